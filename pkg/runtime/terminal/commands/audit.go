package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	modelcfg "github.com/de-tools/iam-sentry/pkg/models/config"
	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/runtime/terminal/export"
	"github.com/de-tools/iam-sentry/pkg/services/audittrail"
	"github.com/de-tools/iam-sentry/pkg/services/config"
	"github.com/de-tools/iam-sentry/pkg/services/pipeline"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

// RegistryBuilder wires the plugin factories for one run. The audit
// definition may be nil when only the reference list is needed.
type RegistryBuilder func(audit *modelcfg.Audit, trail *audittrail.Logger) (plugin.Registry, error)

// NewRunCmd creates the command executing one audit run.
func NewRunCmd(build RegistryBuilder, reporter *export.Reporter) *cobra.Command {
	var (
		cfgPath      string
		auditLogPath string
		dryRun       bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an audit defined by a declarative definition file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
			ctx := logger.WithContext(cmd.Context())

			audit, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				audit.Guardrails.DryRun = dryRun
			}

			var trail *audittrail.Logger
			if auditLogPath != "" {
				f, err := os.OpenFile(auditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening audit trail %s: %w", auditLogPath, err)
				}
				defer f.Close()
				trail = audittrail.NewLogger(audittrail.Options{Writer: f, Actor: "iam-sentry-cli"})
			}

			registry, err := build(audit, trail)
			if err != nil {
				return fmt.Errorf("building plugin registry: %w", err)
			}

			_ = trail.Log(audittrail.Event{
				Type:    audittrail.EventScanStart,
				Action:  "run",
				Details: map[string]any{"audit": audit.Name, "dry_run": audit.Guardrails.DryRun},
			})

			orchestrator := pipeline.NewOrchestrator(registry, audit, pipeline.NewMetrics(nil))
			report, err := orchestrator.Run(ctx)
			if err != nil {
				return err
			}

			_ = trail.Log(audittrail.Event{
				Type:    audittrail.EventScanComplete,
				Action:  "run",
				Details: report,
			})

			if err := reporter.Handle(report); err != nil {
				return err
			}
			if report.Status == domain.RunFailed {
				return fmt.Errorf("audit %q failed", audit.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to the audit definition file")
	cmd.Flags().StringVar(&auditLogPath, "audit-log", "", "Path to the append-only audit trail (disabled when empty)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "Simulate policy changes instead of applying them")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
