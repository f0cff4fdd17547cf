package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jingkaihe/kodelet-memcore/pkg/conversations"
	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/spf13/cobra"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Inspect persisted sessions",
}

var conversationListLimit int

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store, err := conversations.NewStore(ctx, "")
		if err != nil {
			presenter.Error(err, "failed to open conversation store")
			os.Exit(1)
		}
		defer store.Close()

		summaries, err := store.Query(conversations.QueryOptions{Limit: conversationListLimit, SortBy: "updated", SortOrder: "desc"})
		if err != nil {
			presenter.Error(err, "failed to list sessions")
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMESSAGES\tUPDATED\tFIRST MESSAGE")
		for _, sum := range summaries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", sum.ID, sum.MessageCount, sum.UpdatedAt.Format("2006-01-02 15:04"), sum.FirstMessage)
		}
		w.Flush()
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Print a session's full message history as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		store, err := conversations.NewStore(ctx, "")
		if err != nil {
			presenter.Error(err, "failed to open conversation store")
			os.Exit(1)
		}
		defer store.Close()

		record, err := store.Load(args[0])
		if err != nil {
			presenter.Error(err, "failed to load session")
			os.Exit(1)
		}

		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			presenter.Error(err, "failed to format session")
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}

func init() {
	conversationListCmd.Flags().IntVar(&conversationListLimit, "limit", 20, "maximum sessions to list")
	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd)
}
