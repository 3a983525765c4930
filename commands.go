// commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"uiannotate/internal/checkpoint"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Manage session checkpoints",
	}

	cmd.AddCommand(checkpointCreateCmd())
	cmd.AddCommand(checkpointListCmd())
	cmd.AddCommand(checkpointShowCmd())
	cmd.AddCommand(checkpointRollbackCmd())
	cmd.AddCommand(checkpointDiffCmd())
	cmd.AddCommand(checkpointExportCmd())
	cmd.AddCommand(checkpointImportCmd())

	return cmd
}

func checkpointCreateCmd() *cobra.Command {
	var description, createdBy, recordID string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Snapshot the current session state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				var desc *string
				if cmd.Flags().Changed("description") {
					desc = &description
				}

				cp, err := app.CreateCheckpoint(ctx, args[0], desc, createdBy, recordID)
				if cp != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  local=%t db=%t\n", cp.CheckpointID, cp.LocalSuccess, cp.DBSuccess)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "checkpoint description")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "operator creating the checkpoint")
	cmd.Flags().StringVar(&recordID, "record-id", "", "lineage id (default: first timestamp in info.json)")
	return cmd
}

func checkpointListCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				list, err := app.ListCheckpoints(ctx)
				if err != nil {
					return err
				}
				if output == formatTable {
					renderCheckpoints(cmd.OutOrStdout(), list, time.Now())
					return nil
				}
				return encode(cmd.OutOrStdout(), output, list)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, yaml or json")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				cp, err := app.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return encode(cmd.OutOrStdout(), output, cp)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatYAML, "output format: yaml or json")
	return cmd
}

func checkpointRollbackCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "rollback ID",
		Short: "Restore the session to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.RollbackToCheckpoint(ctx, args[0], actor)
				if result != nil {
					if encErr := encode(cmd.OutOrStdout(), formatYAML, result); encErr != nil {
						return encErr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "operator performing the rollback")
	return cmd
}

func checkpointDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff ID",
		Short: "Show files changed since a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				diff, err := app.DiffCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				renderDiff(cmd.OutOrStdout(), diff)
				return nil
			})
		},
	}
	return cmd
}

func checkpointExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export ID FILE",
		Short: "Write a checkpoint to a .tar.zst archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.ExportCheckpoint(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
	return cmd
}

func checkpointImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Add a checkpoint from an archive written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				cp, err := app.ImportCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", cp.CheckpointID, cp.Name)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the live session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, app *App) error {
				summary, err := app.GetSessionSummary()
				if err != nil {
					return err
				}
				return encode(cmd.OutOrStdout(), output, summary)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", formatYAML, "output format: yaml or json")
	return cmd
}

func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderCheckpoints(w io.Writer, list []checkpoint.Checkpoint, now time.Time) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "Name", "Created", "Local", "DB", "Rolled back by"})

	for _, cp := range list {
		created := "-"
		if cp.Timestamp > 0 {
			created = humanize.RelTime(time.UnixMilli(cp.Timestamp), now, "ago", "from now")
		}
		rolledBack := ""
		if cp.RolledbackBy != nil {
			rolledBack = *cp.RolledbackBy
		}
		tbl.AppendRow(table.Row{cp.CheckpointID, cp.Name, created, yesNo(cp.LocalSuccess), yesNo(cp.DBSuccess), rolledBack})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d checkpoints", len(list))})
	tbl.Render()
}

func renderDiff(w io.Writer, diff *checkpoint.CheckpointDiff) {
	if diff.Empty() {
		fmt.Fprintf(w, "no changes since %s\n", diff.CheckpointID)
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Status", "Path"})
	for _, c := range diff.Changes {
		tbl.AppendRow(table.Row{c.Status, c.Path})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d changes", len(diff.Changes))})
	tbl.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
