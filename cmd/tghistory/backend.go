package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonletto/tghistory/internal/config"
	"github.com/leonletto/tghistory/internal/supervisor"
)

func backendCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage the telegram-cli daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start telegram-cli in the background and leave it running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := loadForCommand(v)
			if err != nil {
				return err
			}
			defer closeLog()

			handle, err := supervisor.Ensure(cmd.Context(), supervisorConfig(cfg, logger))
			if err != nil {
				return err
			}
			if handle.Started {
				fmt.Printf("✓ telegram-cli started (PID %d, port %d)\n", handle.PID, handle.Port)
			} else {
				fmt.Printf("✓ telegram-cli already running (PID %d, port %d)\n", handle.PID, handle.Port)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the telegram-cli daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := loadForCommand(v)
			if err != nil {
				return err
			}
			defer closeLog()

			handle, err := supervisor.Handle(supervisorConfig(cfg, logger))
			if errors.Is(err, supervisor.ErrNotRunning) {
				fmt.Println("telegram-cli is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if err := supervisor.Stop(handle, supervisor.DefaultStopTimeout); err != nil {
				return err
			}
			fmt.Println("✓ telegram-cli stopped")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show telegram-cli daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := loadForCommand(v)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := supervisor.CurrentStatus(supervisorConfig(cfg, logger))
			if err != nil {
				return err
			}

			if flagJSON {
				output, _ := json.MarshalIndent(map[string]any{
					"running":   st.Running,
					"pid":       st.PID,
					"port":      st.Port,
					"reachable": st.Reachable,
				}, "", "  ")
				fmt.Println(string(output))
				return nil
			}
			fmt.Print(formatStatus(st))
			return nil
		},
	})

	return cmd
}

func formatStatus(st supervisor.Status) string {
	if !st.Running {
		if st.Reachable {
			return fmt.Sprintf("telegram-cli: not found, but port %d accepts connections\n", st.Port)
		}
		return fmt.Sprintf("telegram-cli: not running (port %d)\n", st.Port)
	}
	reachable := "yes"
	if !st.Reachable {
		reachable = "no"
	}
	return fmt.Sprintf("telegram-cli: running\n  PID:       %d\n  Port:      %d\n  Reachable: %s\n", st.PID, st.Port, reachable)
}

// loadForCommand loads configuration and the logger for a non-interactive
// subcommand.
func loadForCommand(v *viper.Viper) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(v, flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}
