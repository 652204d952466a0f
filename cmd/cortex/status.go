package main

import (
	"context"
	"fmt"
	"time"

	cortex "github.com/cortexhub/cortex-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check if the stored token is expired, and list conversations as a live check.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, cortex.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  Email:    %s\n", valueOrDefault(cfg.Auth.Email, "(not logged in)"))

		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if cfg.Auth.AccessToken == "" && cfg.Auth.RefreshToken == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, cfg := getClient()
		offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
		chat := cortex.NewChat(offline)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := chat.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		persistSession(client, cfg)

		fmt.Printf("  Conversations: %d\n", len(convs))
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
