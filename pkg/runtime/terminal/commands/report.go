package commands

import (
	"github.com/spf13/cobra"

	"github.com/de-tools/iam-sentry/pkg/runtime/terminal/export"
	"github.com/de-tools/iam-sentry/pkg/store/duckdb"
	"github.com/de-tools/iam-sentry/pkg/store/duckdb/findings"
)

// NewReportCmd creates the command querying the findings warehouse written
// by the duckdb_report sink.
func NewReportCmd(reporter *export.Reporter) *cobra.Command {
	var (
		dbPath   string
		auditKey string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the risk leaderboard of an audit's latest run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := duckdb.NewDB(duckdb.Settings{DbPath: dbPath})
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := findings.NewStore(db)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			risks, err := store.TopRisks(ctx, auditKey, limit)
			if err != nil {
				return err
			}
			summary, err := store.ActionSummary(ctx, auditKey)
			if err != nil {
				return err
			}
			return reporter.HandleRisks(auditKey, risks, summary)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the findings database")
	cmd.Flags().StringVar(&auditKey, "audit", "", "Audit name to report on")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of findings to show")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("audit")

	return cmd
}
