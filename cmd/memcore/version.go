package main

import (
	"fmt"
	"os"

	"github.com/jingkaihe/kodelet-memcore/pkg/presenter"
	"github.com/jingkaihe/kodelet-memcore/pkg/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  `Print the version information of memcore in JSON format.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		data, err := info.JSON()
		if err != nil {
			presenter.Error(err, "failed to format version information")
			os.Exit(1)
		}
		fmt.Println(data)
	},
}
