package terminal

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/de-tools/iam-sentry/pkg/runtime/terminal/commands"
	"github.com/de-tools/iam-sentry/pkg/runtime/terminal/export"
)

// CLI represents the command-line interface
type CLI struct {
	opts     Options
	reporter *export.Reporter
	rootCmd  *cobra.Command
}

// Options contain configuration for the CLI
type Options struct {
	BuildRegistry commands.RegistryBuilder
	Output        io.Writer
}

// NewCLI creates a new CLI instance
func NewCLI(opts Options) *CLI {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	cli := &CLI{
		opts:     opts,
		reporter: export.NewReporter(opts.Output),
	}

	cli.rootCmd = cli.newRootCmd()
	return cli
}

func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

func (cli *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iam-sentry",
		Short: "Cloud identity permission audit tool",
	}

	cmd.AddCommand(commands.NewRunCmd(cli.opts.BuildRegistry, cli.reporter))
	cmd.AddCommand(commands.NewReportCmd(cli.reporter))
	cmd.AddCommand(commands.NewPluginsCmd(cli.opts.BuildRegistry, cli.opts.Output))

	return cmd
}
