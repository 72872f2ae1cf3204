package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

// Identity is the output of init and whoami.
type Identity struct {
	System   string `json:"system" yaml:"system"`
	Process  string `json:"process" yaml:"process"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Store    string `json:"store" yaml:"store"`
}

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Username string
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new identity in the store",
		Long: `Generate a fresh system key and process and persist them in the store.

Exit codes:
  0 - Identity created
  2 - The store already holds an identity, or could not be opened

Examples:
  polycentric init
  polycentric init --username alice --store alice.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "set the username after creating the identity")
	return cmd
}

func runInit(cmd *cobra.Command, opts *InitOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	h, err := process.Create(ctx, st, process.WithLogger(opts.Logger))
	if errors.Is(err, process.ErrIdentityExists) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("%s already holds an identity", opts.Config.Store.Path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create identity", err)
	}
	if opts.Username != "" {
		if _, err := h.SetUsername(ctx, opts.Username); err != nil {
			return fmt.Errorf("set username: %w", err)
		}
	}
	return opts.formatter(cmd).Success(Identity{
		System:   h.System().String(),
		Process:  h.Process().String(),
		Username: opts.Username,
		Store:    opts.Config.Store.Path,
	})
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the local identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				s, err := h.LoadSystemState(cmd.Context(), h.System())
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(Identity{
					System:   h.System().String(),
					Process:  h.Process().String(),
					Username: s.Username(),
					Store:    opts.Config.Store.Path,
				})
			})
		},
	}
}

// parseSystem accepts a system in its link form.
func parseSystem(s string) (model.PublicKey, error) {
	k, err := model.ParsePublicKey(s)
	if err != nil {
		return model.PublicKey{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid system %q", s), err)
	}
	return k, nil
}

// parsePointer accepts an event pointer in its link form.
func parsePointer(s string) (model.Pointer, error) {
	p, err := model.ParsePointer(s)
	if err != nil {
		return model.Pointer{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid event pointer %q", s), err)
	}
	return p, nil
}
