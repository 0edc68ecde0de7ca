package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/stitchline/convsync/internal/api"
	"github.com/stitchline/convsync/internal/model"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return outputJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations by last activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				convs, err := c.Conversations(ctx)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return outputJSON(cmd.OutOrStdout(), convs)
				}
				printConversations(cmd.OutOrStdout(), convs)
				return nil
			})
		},
	}
}

func newMessagesCommand(opts *RootOptions) *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				msgs, err := c.Messages(ctx, args[0], open)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return outputJSON(cmd.OutOrStdout(), msgs)
				}
				printMessages(cmd.OutOrStdout(), msgs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "mark the conversation as open in the daemon")
	return cmd
}

func newSearchCommand(opts *RootOptions) *cobra.Command {
	var filters model.Filters
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search conversations by phone, name and message content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				v, err := c.Search(ctx, api.SearchRequest{Term: strings.Join(args, " "), Filters: filters, Wait: true})
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return outputJSON(cmd.OutOrStdout(), v)
				}
				printSearch(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
	cmd.Flags().Var(statusFlag{&filters.Status}, "status", "only conversations with this status (active|open|closed)")
	cmd.Flags().StringVar(&filters.TagID, "tag", "", "only conversations carrying this tag")
	return cmd
}

func newSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <conversation-id> <field> <value>",
		Short: "Set a conversation field",
		Long: `Set one conversation field optimistically and wait for the backend.

Fields: status, ai_managed, display_name, tag_ids.
tag_ids takes a comma-separated list; an empty string clears it.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := model.Field(args[1])
			value, err := parseFieldValue(field, args[2])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				conv, err := c.SetField(ctx, args[0], field, value)
				if err != nil {
					return err
				}
				return printConversation(cmd, opts, conv)
			})
		},
	}
}

func newMarkReadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <conversation-id>",
		Short: "Reset the unread counter of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				conv, err := c.MarkRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printConversation(cmd, opts, conv)
			})
		},
	}
}

func newSendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send an outbound message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				if err := c.Send(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			})
		},
	}
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				if err := c.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newReconnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Retry the push subscription now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				return c.Reconnect(ctx)
			})
		},
	}
}

func newIngestCommand(opts *RootOptions) *cobra.Command {
	var req api.IngestRequest
	cmd := &cobra.Command{
		Use:   "ingest <conversation-id> <text...>",
		Short: "Record an inbound message on the local backend",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ConversationID = args[0]
			req.Content = strings.Join(args[1:], " ")
			return withClient(cmd, opts, func(ctx context.Context, c *api.Client) error {
				m, err := c.Ingest(ctx, req)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return outputJSON(cmd.OutOrStdout(), m)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %s\n", m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "display name for a new conversation")
	cmd.Flags().StringVar(&req.ExternalID, "external-id", "", "channel identity (phone) for a new conversation")
	return cmd
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream change notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.Dial(opts.Scope)
			if err != nil {
				return fmt.Errorf("cannot connect to daemon for scope %q: %w", opts.Scope, err)
			}
			defer func() { _ = c.Close() }()

			w, err := c.Watch(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for {
				ch, err := w.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
						return nil
					}
					return err
				}
				if opts.Format == "json" {
					b, err := json.Marshal(ch)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					continue
				}
				printChange(cmd.OutOrStdout(), ch)
			}
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only kinds starting with this prefix, e.g. cache.")
	return cmd
}

// parseFieldValue turns a command-line value into the type the field takes.
func parseFieldValue(field model.Field, raw string) (any, error) {
	switch field {
	case model.FieldStatus, model.FieldDisplayName:
		return raw, nil
	case model.FieldAIManaged:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		return b, nil
	case model.FieldTagIDs:
		tags := []string{}
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags, nil
	case model.FieldUnreadCount:
		return nil, errors.New("unread_count is reset with mark-read")
	}
	return nil, fmt.Errorf("unknown field %q", field)
}

// statusFlag validates --status against the known conversation statuses.
type statusFlag struct{ s *model.Status }

func (f statusFlag) String() string {
	if f.s == nil {
		return ""
	}
	return string(*f.s)
}

func (f statusFlag) Set(v string) error {
	switch st := model.Status(v); st {
	case model.StatusActive, model.StatusOpen, model.StatusClosed:
		*f.s = st
		return nil
	}
	return fmt.Errorf("unknown status %q", v)
}

func (f statusFlag) Type() string { return "status" }
