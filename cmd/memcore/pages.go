package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/spf13/cobra"
)

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Inspect and manage paged-out memory spans",
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known pages",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()

		metas, err := s.Pages.List(ctx)
		if err != nil {
			presenter.Error(err, "failed to list pages")
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tTOKENS\tREFCOUNT\tPINNED")
		for _, m := range metas {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", m.ID, m.Label, m.TokenCount, m.RefCount, m.Pinned)
		}
		w.Flush()
	},
}

var pagesGrepIgnoreCase bool

var pagesGrepCmd = &cobra.Command{
	Use:   "grep [pattern]",
	Short: "Search page contents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()

		matches, err := s.Pages.Grep(ctx, args[0], vm.GrepOptions{IgnoreCase: pagesGrepIgnoreCase})
		if err != nil {
			presenter.Error(err, "grep failed")
			os.Exit(1)
		}
		for _, m := range matches {
			fmt.Printf("%s (%s): %s\n", m.PageID, m.Label, m.Snippet)
		}
	},
}

var pagesPinCmd = &cobra.Command{
	Use:   "pin [page-id]",
	Short: "Pin a page so it is never garbage collected",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()
		if err := s.Pages.Pin(ctx, args[0]); err != nil {
			presenter.Error(err, "pin failed")
			os.Exit(1)
		}
		presenter.Success("page pinned")
	},
}

var pagesUnpinCmd = &cobra.Command{
	Use:   "unpin [page-id]",
	Short: "Unpin a page",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			presenter.Error(err, "failed to open session")
			os.Exit(1)
		}
		defer s.Convos.Close()
		if err := s.Pages.Unpin(ctx, args[0]); err != nil {
			presenter.Error(err, "unpin failed")
			os.Exit(1)
		}
		presenter.Success("page unpinned")
	},
}

func init() {
	pagesGrepCmd.Flags().BoolVar(&pagesGrepIgnoreCase, "ignore-case", false, "case-insensitive search")
	pagesCmd.AddCommand(pagesListCmd, pagesGrepCmd, pagesPinCmd, pagesUnpinCmd)
}
