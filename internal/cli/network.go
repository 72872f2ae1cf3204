package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/polycentric/internal/api"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/state"
	"github.com/roach88/polycentric/internal/synchronization"
)

// StateOutput is a system's projection as printed by the state command.
type StateOutput struct {
	System     string `json:"system" yaml:"system"`
	state.View `yaml:",inline"`
}

// NewStateCommand creates the state command.
func NewStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state [system]",
		Short: "Show the projection of a system",
		Long: `Show the locally known profile, server set and follows of a system.
Defaults to the local identity.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				system := h.System()
				if len(args) == 1 {
					var err error
					if system, err = parseSystem(args[0]); err != nil {
						return err
					}
				}
				s, err := h.LoadSystemState(cmd.Context(), system)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(StateOutput{System: system.String(), View: s.View()})
			})
		},
	}
}

// syncer builds a Syncer over HTTP from the loaded configuration.
func (o *RootOptions) syncer(h *process.Handle, extra []string) *synchronization.Syncer {
	servers := slices.Concat(o.Config.Servers, extra)
	return synchronization.NewSyncer(h, api.NewClient(),
		synchronization.WithServers(servers...),
		synchronization.WithInterval(o.Config.Sync.Interval),
		synchronization.WithMaxElapsed(o.Config.Sync.MaxElapsed),
		synchronization.WithRoundOptions(synchronization.WithPageSize(o.Config.Sync.PageSize)),
		synchronization.WithSyncLogger(o.Logger),
	)
}

// SyncResult is the output of the sync command.
type SyncResult struct {
	Servers []string   `json:"servers" yaml:"servers"`
	State   state.View `json:"state" yaml:"state"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var servers []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with servers once",
		Long: `Push local events to and pull missing events from every configured
server, for the local identity and every system it follows.

Servers come from the config file, the identity's own server set and
--server flags.

Exit codes:
  0 - Sync pass completed
  2 - No servers to sync with, or no identity`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				return runSync(cmd, opts, h, servers)
			})
		},
	}
	cmd.Flags().StringArrayVar(&servers, "server", nil, "additional server URL (repeatable)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *RootOptions, h *process.Handle, extra []string) error {
	ctx := cmd.Context()
	s, err := h.LoadSystemState(ctx, h.System())
	if err != nil {
		return err
	}
	servers := slices.Concat(opts.Config.Servers, extra, s.Servers())
	slices.Sort(servers)
	servers = slices.Compact(servers)
	if len(servers) == 0 {
		return NewExitError(ExitCommandError, "no servers to sync with: add one with polycentric server add or --server")
	}

	if err := opts.syncer(h, extra).SyncOnce(ctx); err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	s, err = h.LoadSystemState(ctx, h.System())
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(SyncResult{Servers: servers, State: s.View()})
}

// SearchResult is the output of the search command.
type SearchResult struct {
	Ingested int    `json:"ingested" yaml:"ingested"`
	Cursor   string `json:"cursor,omitempty" yaml:"cursor,omitempty"`
}

// NewSearchCommand creates the search command.
func NewSearchCommand(opts *RootOptions) *cobra.Command {
	var cursor string

	cmd := &cobra.Command{
		Use:   "search <server> <term>",
		Short: "Fetch one page of post search results from a server",
		Long: `Search posts on a server and ingest the matching events locally.
Pass the printed cursor back with --cursor for the next page.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeCursor(cursor)
			if err != nil {
				return err
			}
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				client := api.NewClient()
				next, n, err := synchronization.IngestSearch(cmd.Context(), h, client, client, args[0], args[1], raw)
				if err != nil {
					return WrapExitError(ExitFailure, "search failed", err)
				}
				return opts.formatter(cmd).Success(SearchResult{Ingested: n, Cursor: encodeCursor(next)})
			})
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoSync bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve this replica over HTTP",
		Long: `Serve the replica's events over HTTP so other replicas can sync with it,
and keep syncing with the configured servers in the background.

Routes: /ranges, /events, /claims, /search, /feed (websocket), /healthz,
/metrics.

Examples:
  polycentric serve --listen :8080
  POLYCENTRIC_SERVERS=https://srv1.polycentric.io polycentric serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				return runServe(cmd, opts, h)
			})
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides listen)")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not sync with other servers")
	_ = rootOpts.viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions, h *process.Handle) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(h, api.WithServerLogger(opts.Logger))
	defer srv.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(ctx, opts.Config.Listen)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if !opts.NoSync {
		syncer := opts.syncer(h, nil)
		g.Go(func() error {
			if err := syncer.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("serve %s", opts.Config.Listen), err)
	}
	return nil
}

func encodeCursor(c []byte) string {
	if len(c) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(c)
}

func decodeCursor(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	c, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid cursor", err)
	}
	return c, nil
}
