package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
)

// Appended is the output of every command that appends one event.
type Appended struct {
	Pointer string `json:"pointer" yaml:"pointer"`
}

func (a Appended) String() string { return a.Pointer }

// appendCommand builds a command whose RunE appends a single event with fn.
func appendCommand(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error)) *cobra.Command {
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
			p, err := fn(cmd.Context(), h, args)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(Appended{Pointer: p.String()})
		})
	}
	return cmd
}

// NewPostCommand creates the post command.
func NewPostCommand(opts *RootOptions) *cobra.Command {
	var reply string
	cmd := appendCommand(opts, &cobra.Command{
		Use:   "post <text>",
		Short: "Publish a post",
		Long: `Publish a post and print its event pointer.

Examples:
  polycentric post "hello world"
  polycentric post --reply <pointer> "agreed"`,
		Args: cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		var refs []model.Reference
		if reply != "" {
			p, err := parsePointer(reply)
			if err != nil {
				return model.Pointer{}, err
			}
			refs = append(refs, model.PointerReference(p))
		}
		return h.Post(ctx, args[0], refs...)
	})
	cmd.Flags().StringVar(&reply, "reply", "", "pointer of the event this post replies to")
	return cmd
}

// ProfileOptions holds flags for the profile command.
type ProfileOptions struct {
	*RootOptions
	Username    string
	Description string
	Avatar      string
	Banner      string
}

// NewProfileCommand creates the profile command. Without flags it prints
// the current profile.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update the profile",
		Long: `Show the local profile, or update the fields given as flags.

Avatar and banner images are published as blobs in the local log.

Examples:
  polycentric profile
  polycentric profile --username alice --description "gopher"
  polycentric profile --avatar me.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				return runProfile(cmd, opts, h)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Username, "username", "", "set the username")
	cmd.Flags().StringVar(&opts.Description, "description", "", "set the description")
	cmd.Flags().StringVar(&opts.Avatar, "avatar", "", "image file to publish as the avatar")
	cmd.Flags().StringVar(&opts.Banner, "banner", "", "image file to publish as the banner")
	return cmd
}

func runProfile(cmd *cobra.Command, opts *ProfileOptions, h *process.Handle) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	if flags.Changed("username") {
		if _, err := h.SetUsername(ctx, opts.Username); err != nil {
			return fmt.Errorf("set username: %w", err)
		}
	}
	if flags.Changed("description") {
		if _, err := h.SetDescription(ctx, opts.Description); err != nil {
			return fmt.Errorf("set description: %w", err)
		}
	}
	if opts.Avatar != "" {
		manifest, err := publishImage(ctx, h, opts.Avatar)
		if err != nil {
			return err
		}
		if _, err := h.SetAvatar(ctx, manifest); err != nil {
			return fmt.Errorf("set avatar: %w", err)
		}
	}
	if opts.Banner != "" {
		manifest, err := publishImage(ctx, h, opts.Banner)
		if err != nil {
			return err
		}
		if _, err := h.SetBanner(ctx, manifest); err != nil {
			return fmt.Errorf("set banner: %w", err)
		}
	}

	s, err := h.LoadSystemState(ctx, h.System())
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(s.View())
}

func publishImage(ctx context.Context, h *process.Handle, path string) (model.Pointer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Pointer{}, WrapExitError(ExitCommandError, "failed to read image", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return model.Pointer{}, NewExitError(ExitCommandError, fmt.Sprintf("%s is %s, not an image", path, mime))
	}
	p, err := h.PublishBlob(ctx, mime, data)
	if err != nil {
		return model.Pointer{}, fmt.Errorf("publish %s: %w", path, err)
	}
	return p, nil
}

// NewServerCommand creates the server command group, which edits the set
// of servers this identity publishes to.
func NewServerCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the servers this identity publishes to",
	}
	cmd.AddCommand(appendCommand(opts, &cobra.Command{
		Use:   "add <url>",
		Short: "Add a server",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		return h.AddServer(ctx, args[0])
	}))
	cmd.AddCommand(appendCommand(opts, &cobra.Command{
		Use:   "remove <url>",
		Short: "Remove a server",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		return h.RemoveServer(ctx, args[0])
	}))
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withHandle(cmd.Context(), func(h *process.Handle) error {
				s, err := h.LoadSystemState(cmd.Context(), h.System())
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Success(s.Servers())
			})
		},
	})
	return cmd
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(opts *RootOptions) *cobra.Command {
	return appendCommand(opts, &cobra.Command{
		Use:   "claim <type> <identifier>",
		Short: "Claim an external identity",
		Long: `Publish a claim that this system also owns an external identity.

Types: hackernews, youtube, odysee, rumble, twitter, bitcoin, generic,
discord, instagram, github, website.

Examples:
  polycentric claim github alice`,
		Args: cobra.ExactArgs(2),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		t, ok := model.ParseClaimType(args[0])
		if !ok {
			return model.Pointer{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown claim type %q", args[0]))
		}
		return h.Claim(ctx, model.Claim{
			ClaimType: t,
			Fields:    []model.ClaimField{{Key: 1, Value: args[1]}},
		})
	})
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return appendCommand(opts, &cobra.Command{
		Use:   "delete <pointer>",
		Short: "Delete one of this identity's events",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		p, err := parsePointer(args[0])
		if err != nil {
			return model.Pointer{}, err
		}
		return h.Delete(ctx, p)
	})
}

// NewFollowCommand creates the follow command.
func NewFollowCommand(opts *RootOptions) *cobra.Command {
	return appendCommand(opts, &cobra.Command{
		Use:   "follow <system>",
		Short: "Follow a system",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		k, err := parseSystem(args[0])
		if err != nil {
			return model.Pointer{}, err
		}
		return h.Follow(ctx, k)
	})
}

// NewUnfollowCommand creates the unfollow command.
func NewUnfollowCommand(opts *RootOptions) *cobra.Command {
	return appendCommand(opts, &cobra.Command{
		Use:   "unfollow <system>",
		Short: "Stop following a system",
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		k, err := parseSystem(args[0])
		if err != nil {
			return model.Pointer{}, err
		}
		return h.Unfollow(ctx, k)
	})
}

// NewOpinionCommand creates the opinion command.
func NewOpinionCommand(opts *RootOptions) *cobra.Command {
	return appendCommand(opts, &cobra.Command{
		Use:   "opinion <pointer> <like|dislike|neutral>",
		Short: "Record an opinion on an event",
		Args:  cobra.ExactArgs(2),
	}, func(ctx context.Context, h *process.Handle, args []string) (model.Pointer, error) {
		p, err := parsePointer(args[0])
		if err != nil {
			return model.Pointer{}, err
		}
		o, err := model.ParseOpinion(args[1])
		if err != nil {
			return model.Pointer{}, WrapExitError(ExitCommandError, "invalid opinion", err)
		}
		return h.Opinion(ctx, model.PointerReference(p), o)
	})
}
