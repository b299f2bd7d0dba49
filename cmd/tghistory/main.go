package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonletto/tghistory/internal/backend"
	"github.com/leonletto/tghistory/internal/cli"
	"github.com/leonletto/tghistory/internal/config"
	"github.com/leonletto/tghistory/internal/journal"
	"github.com/leonletto/tghistory/internal/session"
	"github.com/leonletto/tghistory/internal/supervisor"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

// interruptGrace is how long an interrupted action may take to stop.
const interruptGrace = 5 * time.Second

var (
	// Global flags.
	flagConfig string
	flagJSON   bool
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "tghistory",
		Short: "Save and clean up Telegram chat histories through telegram-cli",
		Long: `tghistory drives a local telegram-cli daemon to export the complete
history of a chat, export only your own messages, or delete your own
messages for everyone.

Run without arguments to open the interactive menu. telegram-cli is
started on the configured port if it is not already running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu(cmd.Context(), v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "Config file (default ./tghistory.yaml or ~/.tghistory/tghistory.yaml)")
	flags.BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	flags.Int("port", supervisor.DefaultPort, "telegram-cli TCP port")
	flags.String("save-path", "./messages/", "Directory for saved histories")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("delete-policy", "abort", "What to do after a failed delete: abort or continue")
	for key, flag := range map[string]string{
		"port":          "port",
		"save_path":     "save-path",
		"log.level":     "log-level",
		"delete_policy": "delete-policy",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("tghistory v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(backendCmd(v))
	rootCmd.AddCommand(journalCmd(v))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runMenu is the interactive session: make sure the backend runs, show the
// main menu until the user exits, then stop the backend.
func runMenu(parent context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v, flagConfig)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := supervisor.Ensure(ctx, supervisorConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("telegram-cli unavailable: %w", err)
	}
	if handle.Started {
		fmt.Printf("Running telegram-cli on port %d\n", handle.Port)
	}
	defer stopBackend(cfg, handle, logger)

	client := backend.NewClient(handle.Addr,
		backend.WithAnswerTimeout(cfg.StartupTimeout),
		backend.WithLogger(logger))
	defer func() { _ = client.Close() }()

	opts := []session.Option{session.WithLogger(logger)}
	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logger.Warn("delete journal unavailable", "path", cfg.JournalPath(), "error", err)
	} else {
		defer func() { _ = j.Close() }()
		opts = append(opts, session.WithJournal(j))
	}

	ui := cli.New(os.Stdin, os.Stdout, logger)
	orch := session.New(sessionConfig(cfg), client, ui, opts...)

	items := []cli.MenuItem{
		cli.Actionable("Save full chat history", outcomeAction(orch.SaveFull, logger)),
		cli.Actionable("Save own messages", outcomeAction(orch.SaveOwn, logger)),
		cli.Actionable("Delete own messages", outcomeAction(orch.DeleteOwn, logger)),
	}

	// A blocked stdin read cannot be cancelled, so the menu runs on its own
	// goroutine and an interrupt only waits for the running action to wind
	// down.
	done := make(chan error, 1)
	go func() { done <- ui.RunMenu(ctx, "Select option", items) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(interruptGrace):
			err = ctx.Err()
		}
	}

	if errors.Is(err, context.Canceled) {
		fmt.Println("\n\nExit")
		return nil
	}
	return err
}

func supervisorConfig(cfg *config.Config, logger *slog.Logger) supervisor.Config {
	return supervisor.Config{
		Executable:     cfg.Executable,
		Port:           cfg.Port,
		StartupTimeout: cfg.StartupTimeout,
		StateDir:       cfg.StateDir,
		Logger:         logger,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		SavePath:     cfg.SavePath,
		DialogLimit:  cfg.DialogLimit,
		PageSize:     cfg.PageSize,
		MaxPages:     cfg.MaxPages,
		RequestDelay: cfg.RequestDelay,
		DeletePolicy: cfg.DeletePolicy,
		DeleteRate:   cfg.DeleteRate,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show tghistory version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				output, _ := json.MarshalIndent(map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				}, "", "  ")
				fmt.Println(string(output))
				return nil
			}
			fmt.Printf("tghistory v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}
