// Command ragchat is a terminal chat over campus documents: it answers
// directly or retrieves from a vector index before answering.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "ragchat",
		Short:         "Chat with retrieval over campus documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default: ./config.yaml or the app config dir)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newChatCmd(flags), newRetrieveCmd(flags))
	return cmd
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

// setup resolves logger and configuration for a subcommand.
func setup(flags *rootFlags) (*config.Loader, *config.Config, zerolog.Logger, error) {
	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return nil, nil, logger, err
	}
	loader := config.NewLoader()
	cfg, err := loader.Load(flags.configPath)
	if err != nil {
		return nil, nil, logger, err
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debug().Str("file", used).Msg("configuration loaded")
	}
	return loader, cfg, logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
