package main

import (
	"os"

	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/spf13/cobra"
)

var compactAggressiveness float64

var compactCmd = &cobra.Command{
	Use:   "compact [session-id]",
	Short: "Force a compaction pass over a persisted session's memory",
	Long:  `Compact loads a session's saved page state, runs CompactWithHints, and re-saves the result.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		sessionID := args[0]

		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()

		record, err := s.Convos.Load(sessionID)
		if err != nil {
			presenter.Error(err, "failed to load session")
			os.Exit(1)
		}
		for _, m := range record.Messages {
			s.Mem.Add(ctx, m)
		}
		if err := s.Mem.RestorePageState(ctx, record.PageState); err != nil {
			presenter.Error(err, "failed to restore page state")
			os.Exit(1)
		}

		hints := vm.CompactHints{Aggressiveness: compactAggressiveness}
		if err := s.Mem.CompactWithHints(ctx, hints); err != nil {
			presenter.Error(err, "compaction failed")
			os.Exit(1)
		}

		record.Messages = s.Mem.Messages(ctx)
		record.PageState = s.Mem.GetPageState(ctx)
		if err := s.Convos.Save(record); err != nil {
			presenter.Error(err, "failed to save compacted session")
			os.Exit(1)
		}
		presenter.Success("session compacted")
	},
}

func init() {
	compactCmd.Flags().Float64Var(&compactAggressiveness, "aggressiveness", 0.5, "compaction aggressiveness (0-1)")
}
