// Package main provides the entry point for the memcore CLI: a
// provider-agnostic conversational-context-management runtime built around
// the Virtual Memory, Sensory Memory, Turn Loop, and Warm-State Supervisor
// subsystems. Grounded on the teacher's cmd/kodelet/main.go viper/cobra
// bootstrap, narrowed to this module's own configuration surface.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.SetDefault("working_memory_tokens", 50_000)
	viper.SetDefault("max_rounds", 50)
	viper.SetDefault("max_idle_nudges", 3)
	viper.SetDefault("persistent", false)
	viper.SetDefault("autosave_interval", 5)
	viper.SetDefault("model", "demo-model-mid")
	viper.SetDefault("max_tier", "high")
	viper.SetDefault("conversations_dir", "")
	viper.SetDefault("pages_dir", "")
	viper.SetDefault("socket_path", "/tmp/memcore.sock")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	viper.SetEnvPrefix("MEMCORE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.memcore")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err == nil {
		logger.G(context.TODO()).WithField("config_file", viper.ConfigFileUsed()).Debug("using config file")
	}
}

var rootCmd = &cobra.Command{
	Use:   "memcore",
	Short: "memcore manages conversational context for an agentic LLM runtime",
	Long:  `memcore is a CLI around the Virtual Memory, Sensory Memory, Turn Loop, and Warm-State Supervisor subsystems.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(1)
	},
}

func main() {
	ctx := context.Background()

	cobra.OnInitialize(func() {
		if logLevel := viper.GetString("log_level"); logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				logger.G(context.TODO()).WithError(err).WithField("log_level", logLevel).Warn("invalid log level, using default")
			}
		}
		if logFormat := viper.GetString("log_format"); logFormat != "" {
			logger.SetLogFormat(logFormat)
		}
	})

	rootCmd.PersistentFlags().String("model", viper.GetString("model"), "model id to start the tier ladder at")
	rootCmd.PersistentFlags().Int("working-memory-tokens", viper.GetInt("working_memory_tokens"), "working memory token budget")
	rootCmd.PersistentFlags().Bool("persistent", viper.GetBool("persistent"), "keep nudging the model when it goes idle instead of returning")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "log format (json, text, fmt)")

	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	viper.BindPFlag("working_memory_tokens", rootCmd.PersistentFlags().Lookup("working-memory-tokens"))
	viper.BindPFlag("persistent", rootCmd.PersistentFlags().Lookup("persistent"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(pagesCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	tracingShutdown, err := initTracing(ctx)
	if err != nil {
		logger.G(context.TODO()).WithError(err).Warn("failed to initialize tracing")
	} else if tracingShutdown != nil {
		defer func() {
			if viper.GetBool("tracing.enabled") {
				time.Sleep(1 * time.Second)
				if err := tracingShutdown(ctx); err != nil {
					logger.G(context.TODO()).WithError(err).Warn("failed to shutdown tracing")
				}
			}
		}()
	}

	runCmd = withTracing(runCmd)
	chatCmd = withTracing(chatCmd)
	compactCmd = withTracing(compactCmd)
	superviseCmd = withTracing(superviseCmd)
	workerCmd = withTracing(workerCmd)
	versionCmd = withTracing(versionCmd)

	rootCmd.SetContext(ctx)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to execute command")
		os.Exit(1)
	}
}
