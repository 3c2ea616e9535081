package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go-turns/internal/app"
	"go-turns/internal/turn"
)

var chatConversation string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive turns in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		renderer := newTerminalRenderer(os.Stdout)
		rt, err := openRuntime(renderer)
		if err != nil {
			return err
		}
		defer rt.Close()
		return runREPL(cmd.Context(), rt.app, renderer, chatConversation)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "existing conversation id")
}

func runREPL(ctx context.Context, a *app.App, renderer *terminalRenderer, conversationID string) error {
	fmt.Println("turns CLI")
	fmt.Println("Commands: /help  /exit  /new  /list  /use <conversationId>  /retry <itemId>  /show")

	current := strings.TrimSpace(conversationID)
	if current == "" {
		c, err := a.CreateConversation(ctx, "")
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		current = c.ID
	}
	fmt.Printf("Current conversation: %s\n", current)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for {
		fmt.Printf("\n[%s] > ", current)
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			fields := strings.Fields(line)
			switch strings.ToLower(fields[0]) {
			case "/help":
				printHelp()
			case "/exit", "/quit":
				return nil
			case "/new":
				c, err := a.CreateConversation(ctx, "")
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				current = c.ID
				fmt.Printf("new conversation: %s\n", current)
			case "/list":
				ids, err := a.ListConversationIDs(ctx, 30)
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				for _, id := range ids {
					fmt.Println("-", id)
				}
			case "/use":
				if len(fields) < 2 {
					fmt.Println("usage: /use <conversationId>")
					continue
				}
				current = fields[1]
			case "/show":
				if err := printTranscript(ctx, a, current); err != nil {
					fmt.Printf("error: %v\n", err)
				}
			case "/retry":
				if len(fields) < 2 {
					fmt.Println("usage: /retry <itemId>  (ids are listed by /show)")
					continue
				}
				t, err := a.Retry(ctx, current, fields[1])
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				follow(ctx, a, renderer, t)
			default:
				fmt.Println("unknown command, run /help")
			}
			continue
		}

		t, err := a.SubmitTurn(ctx, current, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		follow(ctx, a, renderer, t)
	}
}

// follow waits for t while the renderer prints it. Ctrl-C cancels the turn
// instead of exiting.
func follow(ctx context.Context, a *app.App, renderer *terminalRenderer, t *turn.Turn) {
	renderer.reset()
	start := time.Now()
	interrupt, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	select {
	case <-t.Done():
	case <-interrupt.Done():
		_ = a.Cancel(t.ConversationID, t.ID)
		<-t.Done()
	}
	snap := t.Snapshot()
	fmt.Println()
	switch snap.State {
	case turn.StateFailed:
		fmt.Printf("(failed: %s)\n", snap.Error)
	case turn.StateIncomplete:
		fmt.Println("(incomplete)")
	}
	fmt.Printf("(%s in %s)\n", snap.State, time.Since(start).Round(time.Millisecond))
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /help                 Show help")
	fmt.Println("  /exit                 Exit CLI")
	fmt.Println("  /new                  Create and switch to a new conversation")
	fmt.Println("  /list                 List recent conversations")
	fmt.Println("  /use <conversationId> Switch conversation")
	fmt.Println("  /show                 Print the transcript with item ids")
	fmt.Println("  /retry <itemId>       Regenerate from before an item")
	fmt.Println("")
	fmt.Println("Ctrl-C while a turn streams cancels that turn.")
}
