package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/bazaar/internal/api"
)

var (
	resolveTopic   int64
	listLimit      int
	listOffset     int
	messagesBefore int64
	searchConv     int64
	unlistenAll    bool
)

func init() {
	resolveCmd.Flags().Int64Var(&resolveTopic, "topic", 0, "scope the conversation to an order/listing id")
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of rows")
	conversationsCmd.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")
	messagesCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of rows")
	messagesCmd.Flags().Int64Var(&messagesBefore, "before", 0, "only messages before this unix ms timestamp")
	searchCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of rows")
	searchCmd.Flags().Int64Var(&searchConv, "conversation", 0, "restrict to one conversation id")
	unlistenCmd.Flags().BoolVar(&unlistenAll, "all", false, "stop every conversation")

	rootCmd.AddCommand(statusCmd, resolveCmd, sendCmd, conversationsCmd, messagesCmd,
		searchCmd, readCmd, listenCmd, unlistenCmd, sweepCmd)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stamp(msVal int64) string {
	if msVal == 0 {
		return "-"
	}
	return time.UnixMilli(msVal).Format("2006-01-02 15:04")
}

func printConversation(c map[string]any) {
	topic := ""
	if name := str(c, "topic_name"); name != "" {
		topic = " [" + name + "]"
	}
	unread := ""
	if n := num(c, "unread_count"); n > 0 {
		unread = fmt.Sprintf(" (%d unread)", n)
	}
	fmt.Printf("%-5d %s & %s%s%s  %s  %s  %s\n", num(c, "id"),
		str(c, "participant_a_name"), str(c, "participant_b_name"), topic, unread,
		stamp(num(c, "last_message_ms")), str(c, "last_message"), str(c, "sync_state"))
}

func printMessage(m map[string]any) {
	fmt.Printf("%s  %-12s %s  (%s)\n", stamp(num(m, "created_ms")), str(m, "sender_name"), str(m, "body"), str(m, "status"))
}

func items(resp map[string]any, key string) []map[string]any {
	raw, _ := resp[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Session:       %s\n", str(st, "session"))
			fmt.Printf("User:          %s (%d)\n", str(st, "user_name"), num(st, "user_id"))
			fmt.Printf("Remote:        %s\n", str(st, "net_state"))
			fmt.Printf("Uptime:        %s\n", (time.Duration(num(st, "uptime_ms")) * time.Millisecond).Round(time.Second))
			fmt.Printf("Conversations: %d\n", num(st, "conversations"))
			fmt.Printf("Messages:      %d\n", num(st, "messages"))
			fmt.Printf("Last sweep:    %s\n", stamp(num(st, "last_sweep_ms")))
			if l, _ := st["listening"].([]any); len(l) > 0 {
				fmt.Printf("Listening:     %d conversation(s)\n", len(l))
			}
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <user-id>",
	Short: "Open (or create) the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		var topic *int64
		if cmd.Flags().Changed("topic") {
			topic = &resolveTopic
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Resolve(ctx, userID, topic)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			conv, _ := resp["conversation"].(map[string]any)
			printConversation(conv)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Send(ctx, convID, text)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			msg, _ := resp["message"].(map[string]any)
			fmt.Printf("Queued %s (%s)\n", str(msg, "remote_id"), str(msg, "status"))
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListConversations(ctx, listLimit, listOffset)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			convs := items(resp, "conversations")
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, conv := range convs {
				printConversation(conv)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, convID, messagesBefore, listLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			for _, m := range items(resp, "messages") {
				printMessage(m)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search message text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SearchMessages(ctx, query, searchConv, listLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			results := items(resp, "results")
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("#%-5d %s\n", num(r, "conversation_id"), str(r, "snippet"))
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.MarkRead(ctx, convID)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Marked %d message(s) read\n", num(resp, "updated"))
			return nil
		})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>",
	Short: "Start polling a conversation for new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if _, err := c.StartListening(ctx, convID); err != nil {
				return err
			}
			fmt.Printf("Listening on conversation %d\n", convID)
			return nil
		})
	},
}

var unlistenCmd = &cobra.Command{
	Use:   "unlisten [conversation-id]",
	Short: "Stop polling a conversation (or all with --all)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var convID int64
		if !unlistenAll {
			if len(args) != 1 {
				return fmt.Errorf("conversation id required unless --all is set")
			}
			id, err := parseID(args[0], "conversation id")
			if err != nil {
				return err
			}
			convID = id
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			_, err := c.StopListening(ctx, convID, unlistenAll)
			return err
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry pending and failed remote writes now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Sweep(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			r, _ := resp["report"].(map[string]any)
			if off, _ := r["offline"].(bool); off {
				fmt.Println("Remote unreachable, nothing pushed.")
				return nil
			}
			fmt.Printf("Attempted %d, synced %d, failed %d, skipped %d\n",
				num(r, "attempted"), num(r, "synced"), num(r, "failed"), num(r, "skipped"))
			return nil
		})
	},
}
