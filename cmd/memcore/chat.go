package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session against the context-managed runtime",
	Long:  `Start an interactive chat session through stdin. Type 'exit' or 'quit' to end the session.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		fmt.Println("memcore Chat Mode - Type 'exit' or 'quit' to end the session")
		fmt.Println("--------------------------------------------------------------")

		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()

		sessionID := uuid.NewString()
		r := newRunner(s, sessionID)
		reader := bufio.NewReader(os.Stdin)
		prompt := color.New(color.FgGreen).SprintFunc()

		for {
			fmt.Print(prompt("[user]: "))
			input, err := reader.ReadString('\n')
			if err != nil {
				fmt.Fprintf(os.Stderr, "error reading input: %s\n", err)
				continue
			}
			input = strings.TrimSpace(input)
			if input == "exit" || input == "quit" {
				fmt.Println("Exiting chat mode. Goodbye!")
				return
			}
			if input == "" {
				continue
			}

			text, err := r.Run(ctx, input)
			if err != nil {
				presenter.Error(err, "turn failed")
				continue
			}
			fmt.Printf("[assistant]: %s\n", text)
		}
	},
}
