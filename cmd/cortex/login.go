package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cortex "github.com/cortexhub/cortex-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authenticate and store the session",
	Long:  "Log in with your Cortex account and persist the token pair in ~/.cortex/config.toml.\nThe password is read from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		fmt.Print("Password: ")
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []cortex.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, cortex.WithBaseURL(cfg.Default.BaseURL))
		}
		client := cortex.NewClient(opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Login(ctx, email, password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Email = email
		persistSession(client, cfg)

		fmt.Printf("Logged in as %s\n", email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
