package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/launchforge/launchforge/pkg/config"
	"github.com/launchforge/launchforge/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var logOffset int

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the status of a provisioning session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), args[0], logOffset)
		},
	}

	cmd.Flags().IntVar(&logOffset, "log-offset", 0, "skip the first N log entries")
	return cmd
}

func runStatus(ctx context.Context, sessionID string, logOffset int) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	view := rec.View(logOffset)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Printf("Session:  %s\n", view.ID)
	fmt.Printf("Project:  %s\n", view.ProjectName)
	fmt.Printf("Status:   %s (%s, %d%%)\n", view.Status, view.Stage, view.ProgressPercent)
	if view.Error != "" {
		fmt.Printf("Error:    %s\n", view.Error)
	}
	for stage, payload := range view.Results {
		fmt.Printf("Result:   %s = %s\n", stage, string(payload))
	}
	if len(view.Log) > 0 {
		fmt.Println("Log:")
		for _, entry := range view.Log {
			fmt.Printf("  %s [%s] %s\n", entry.Timestamp.Format("15:04:05"), entry.Level, entry.Message)
		}
	}
	return nil
}

// openStore opens the configured session store for read-side commands.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(cfg.StoreSettings())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
