package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stitchline/convsync/internal/api"
	"github.com/stitchline/convsync/internal/model"
)

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printStatus(w io.Writer, st *api.StatusView) {
	fmt.Fprintf(w, "Scope:      %s\n", st.Scope)
	fmt.Fprintf(w, "State:      %s\n", st.State)
	if st.Attempts > 0 {
		fmt.Fprintf(w, "Attempts:   %d\n", st.Attempts)
	}
	fmt.Fprintf(w, "Connected:  %s\n", formatTime(st.LastConnectedAt))
	if st.OpenConversationID != "" {
		fmt.Fprintf(w, "Open:       %s\n", st.OpenConversationID)
	}
	fmt.Fprintf(w, "Events:     %d applied, %d dropped\n", st.EventsApplied, st.EventsDropped)
	fmt.Fprintf(w, "Recoveries: %d\n", st.Recoveries)
}

func printConversations(w io.Writer, convs []*model.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tUNREAD\tLAST\tPREVIEW")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.DisplayName, c.Status, c.UnreadCount, formatTime(c.LastMessageAt), c.LastMessagePreview)
	}
	_ = tw.Flush()
}

func printConversation(cmd *cobra.Command, opts *RootOptions, c *model.Conversation) error {
	if opts.Format == "json" {
		return outputJSON(cmd.OutOrStdout(), c)
	}
	if c == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s  %s  status=%s ai=%t unread=%d tags=[%s]\n",
		c.ID, c.DisplayName, c.Status, c.AIManaged, c.UnreadCount, strings.Join(c.TagIDs, ","))
	return nil
}

func printMessages(w io.Writer, msgs []*model.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		arrow := "<"
		if m.Direction == model.Outbound {
			arrow = ">"
		}
		sent := m.SentAt
		fmt.Fprintf(w, "%s %s %s\n", formatTime(&sent), arrow, model.Preview(m))
	}
}

func printSearch(w io.Writer, v *api.SearchView) {
	if v.Error != "" {
		fmt.Fprintf(w, "search failed: %s\n", v.Error)
		return
	}
	if len(v.Results) == 0 {
		fmt.Fprintf(w, "No results for %q.\n", v.Term)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMATCH\tEXCERPT")
	for _, r := range v.Results {
		excerpt := ""
		if r.Message != nil {
			excerpt = model.Preview(r.Message)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Conversation.ID, r.Conversation.DisplayName, r.Match, excerpt)
	}
	_ = tw.Flush()
}

func printChange(w io.Writer, ch *api.ChangeView) {
	detail := ""
	if p, ok := ch.Payload.(map[string]any); ok {
		var parts []string
		for _, k := range []string{"conversation_id", "message_id", "entity_id", "field", "reason", "from", "to", "term"} {
			if v, ok := p[k]; ok && v != "" {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
		}
		detail = strings.Join(parts, " ")
	}
	fmt.Fprintf(w, "%s %s %s\n", ch.OccurredAt.Local().Format("15:04:05.000"), ch.Kind, detail)
}
