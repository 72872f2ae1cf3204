package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/polycentric/internal/config"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/store"
)

// RootOptions holds global flags and the configuration every command
// shares once PersistentPreRunE has run.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	viper  *viper.Viper
	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the polycentric CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "polycentric",
		Short: "Polycentric replica",
		Long: `A local replica of a Polycentric identity: signed append-only event logs
per device, last-writer-wins profile state, and range-based sync with any
number of servers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./polycentric.yaml if present)")
	flags.String("store", "", "store path (overrides store.path)")
	flags.String("driver", "", "store driver: sqlite, bolt or memory (overrides store.driver)")
	_ = opts.viper.BindPFlag("store.path", flags.Lookup("store"))
	_ = opts.viper.BindPFlag("store.driver", flags.Lookup("driver"))

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewWhoamiCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))
	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewClaimCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewFollowCommand(opts))
	cmd.AddCommand(NewUnfollowCommand(opts))
	cmd.AddCommand(NewOpinionCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) load(stderr io.Writer) error {
	cfg, err := config.Load(o.viper, o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg
	o.Logger = logger
	logger.Debug("configuration loaded", "file", cfg.File, "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func (o *RootOptions) openStore() (*store.Store, error) {
	st, err := store.Open(o.Config.Store.Driver, o.Config.Store.Path, store.WithLogger(o.Logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}

// withHandle opens the store, loads the identity and calls fn. The store is
// closed when fn returns.
func (o *RootOptions) withHandle(ctx context.Context, fn func(*process.Handle) error) error {
	st, err := o.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	h, err := process.Load(ctx, st, process.WithLogger(o.Logger))
	if errors.Is(err, process.ErrNoIdentity) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("no identity in %s: run polycentric init", o.Config.Store.Path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load identity", err)
	}
	return fn(h)
}
