package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/copilot-relay/internal/api"
	"github.com/xkilldash9x/copilot-relay/internal/observability"
	"github.com/xkilldash9x/copilot-relay/internal/relay"
)

// newChatCmd creates the `chat` command. With arguments it sends a single
// prompt; without, it drops into an interactive loop on stdin.
func newChatCmd() *cobra.Command {
	var fresh bool

	chatCmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Chats with the page from the terminal",
		Long: `Sends prompts to the chat page and streams replies to stdout.
With arguments, the joined text is sent as one prompt. Without, an
interactive loop reads prompts from stdin until "exit" or EOF.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := relay.NewClient(appCfg, logger)
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to establish chat session: %w", err)
			}
			defer func() { _ = client.Close() }()

			chat := api.NewChatClient(client)
			if fresh {
				if err := chat.ReinitializePageSession(ctx); err != nil {
					return fmt.Errorf("failed to start a fresh conversation: %w", err)
				}
			}

			if len(args) > 0 {
				return sendPrompt(ctx, chat, strings.Join(args, " "), os.Stdout)
			}
			return runChatLoop(ctx, chat, os.Stdin, os.Stdout, os.Stderr)
		},
	}

	chatCmd.Flags().BoolVar(&fresh, "new", false, "Reload the page first to start a fresh conversation")
	return chatCmd
}

// sendPrompt sends one prompt and streams the reply to out.
func sendPrompt(ctx context.Context, chat api.ChatClient, prompt string, out io.Writer) error {
	stream, err := chat.SendMessage(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	for chunk := range stream.Chunks() {
		fmt.Fprint(out, chunk)
	}
	fmt.Fprintln(out)

	if err := stream.Err(); err != nil {
		return fmt.Errorf("response stream failed: %w", err)
	}
	return nil
}

// runChatLoop reads prompts line by line until "exit", EOF, or context
// cancellation. A failed turn is reported and the loop continues; the page
// session usually survives per-turn errors.
func runChatLoop(ctx context.Context, chat api.ChatClient, in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			break
		}

		if err := sendPrompt(ctx, chat, line, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(errOut, err)
		}
	}
	return scanner.Err()
}
