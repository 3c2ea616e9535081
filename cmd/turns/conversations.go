package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-turns/internal/app"
	"go-turns/internal/response"
)

var (
	listLimit int
	showJSON  bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List recent conversation ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		ids, err := rt.app.ListConversationIDs(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversationId>",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		if showJSON {
			c, err := rt.app.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(c)
		}
		return printTranscript(cmd.Context(), rt.app, args[0])
	},
}

func init() {
	rootCmd.AddCommand(conversationsCmd, showCmd)
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 30, "maximum ids to list")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print the stored conversation record as JSON")
}

func printTranscript(ctx context.Context, a *app.App, conversationID string) error {
	items, err := a.Transcript(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("(empty transcript)")
		return nil
	}
	for _, it := range items {
		fmt.Println(formatItem(it))
	}
	return nil
}

func formatItem(it *response.Item) string {
	label := string(it.Type)
	if it.Type == response.ItemMessage {
		label = it.Role
	}
	text := it.Text()
	if it.Type == response.ItemFunctionCall {
		text = it.Name + "(" + it.Arguments + ")"
	}
	if it.Status != "" && it.Status != response.StatusCompleted {
		label += ", " + string(it.Status)
	}
	return fmt.Sprintf("[%s] %s: %s", it.ID, label, clip(text, 2000))
}

func clip(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
