package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cortex "github.com/cortexhub/cortex-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime events to stdout",
	Long:  "Connect to the Cortex event stream and print incoming events until interrupted.\nAssistant response streams are rendered incrementally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		offline := cortex.NewOffline(client, cortex.NewMemoryStore(), nil)
		offline.Start()
		defer offline.Stop()

		// The channel is the connectivity signal: queued actions replay
		// as soon as the socket comes back.
		channel := cortex.NewChannel(client.BaseURL(), client.Gateway(), nil)
		channel.OnStateChange(func(state cortex.ChannelState, err error) {
			offline.SetOnline(state == cortex.StateOpen)
			if err != nil {
				fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "[%s]\n", state)
		})

		channel.Subscribe(cortex.EventMessageNew, func(env cortex.Envelope) {
			var p cortex.MessageNewPayload
			if json.Unmarshal(env.Data, &p) != nil {
				return
			}
			fmt.Printf("%s %s: %s\n", p.ConversationID, p.SenderID, p.Content)
		})
		channel.Subscribe(cortex.EventStreamContent, func(env cortex.Envelope) {
			var p cortex.StreamContentPayload
			if json.Unmarshal(env.Data, &p) != nil {
				return
			}
			fmt.Print(p.Delta)
		})
		channel.Subscribe(cortex.EventStreamComplete, func(env cortex.Envelope) {
			fmt.Println()
		})
		channel.Subscribe(cortex.EventTyping, func(env cortex.Envelope) {
			var p cortex.TypingPayload
			if json.Unmarshal(env.Data, &p) != nil || !p.IsTyping {
				return
			}
			fmt.Fprintf(os.Stderr, "%s is typing...\n", p.UserID)
		})

		ctx := context.Background()
		if err := channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer channel.Close()
		persistSession(client, cfg)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
