package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent provisioning sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd.Context(), limit, offset)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "sessions to skip")
	return cmd
}

func runSessions(ctx context.Context, limit, offset int) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		views := make([]interface{}, 0, len(sessions))
		for _, rec := range sessions {
			views = append(views, rec.View(0))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tSTAGE\tPROGRESS\tCREATED")
	for _, rec := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			rec.ID, rec.ProjectName, rec.Status, rec.Stage,
			rec.ProgressPercent, rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
