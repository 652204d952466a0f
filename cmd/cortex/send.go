package main

import (
	"context"
	"fmt"
	"time"

	cortex "github.com/cortexhub/cortex-go"
	"github.com/spf13/cobra"
)

var sendType string

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "text", "message type (text, markdown, code)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(searchCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]

		client, cfg := getClient()
		offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
		chat := cortex.NewChat(offline)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := chat.SendMessage(ctx, conversationID, content, &cortex.SendOptions{Type: sendType})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		persistSession(client, cfg)

		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
		chat := cortex.NewChat(offline)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := chat.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		persistSession(client, cfg)

		for _, c := range convs {
			title := valueOrDefault(c.Title, "(untitled)")
			fmt.Printf("%s  %-8s %s", c.ID, c.Type, title)
			if c.UnreadCount > 0 {
				fmt.Printf("  [%d unread]", c.UnreadCount)
			}
			fmt.Println()
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
		chat := cortex.NewChat(offline)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		results, err := chat.Search(ctx, args[0], 10)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		persistSession(client, cfg)

		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%.3f  %s  %s\n", r.Score, r.DocumentID, valueOrDefault(r.Title, r.Snippet))
		}
		return nil
	},
}
