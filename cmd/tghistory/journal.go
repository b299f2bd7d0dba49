package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leonletto/tghistory/internal/journal"
)

func journalCmd(v *viper.Viper) *cobra.Command {
	var limit int
	var failures string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show past delete runs",
		Long: `Show the delete runs recorded in the local journal, newest first.

Use --failures with a run id to list the messages that could not be deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, closeLog, err := loadForCommand(v)
			if err != nil {
				return err
			}
			defer closeLog()

			j, err := journal.Open(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			if failures != "" {
				ids, err := j.Failures(cmd.Context(), failures)
				if err != nil {
					return err
				}
				if flagJSON {
					output, _ := json.MarshalIndent(ids, "", "  ")
					fmt.Println(string(output))
					return nil
				}
				if len(ids) == 0 {
					fmt.Println("No failed deletes in this run")
					return nil
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}

			runs, err := j.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if flagJSON {
				output, _ := json.MarshalIndent(runs, "", "  ")
				fmt.Println(string(output))
				return nil
			}
			if len(runs) == 0 {
				fmt.Println("No delete runs recorded")
				return nil
			}
			renderRuns(runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&failures, "failures", "", "List failed message ids of a run")
	return cmd
}

func renderRuns(runs []journal.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Started", "Dialog", "Policy", "Planned", "Deleted", "Failed", "Finished"})
	for _, r := range runs {
		finished := "interrupted"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.DialogName,
			r.Policy,
			r.Planned,
			r.Succeeded,
			r.Failed,
			finished,
		})
	}
	t.Render()
}
