package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single turn against the context-managed runtime and print the reply",
	Long:  `Run executes one user turn through the turn loop: model call, tool dispatch, and memory fold-in, then exits.`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		prompt := strings.Join(args, " ")

		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()

		r := newRunner(s, uuid.NewString())
		text, err := r.Run(ctx, prompt)
		if err != nil {
			presenter.Error(err, "turn failed")
			os.Exit(1)
		}
		fmt.Println(text)
	},
}
