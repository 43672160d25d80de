package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// NewPluginsCmd lists the capability references the binary ships with.
func NewPluginsCmd(build RegistryBuilder, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List available plugin capability references",
		RunE: func(_ *cobra.Command, _ []string) error {
			registry, err := build(nil, nil)
			if err != nil {
				return fmt.Errorf("building plugin registry: %w", err)
			}
			refs := registry.ListReferences()
			sort.Strings(refs)
			for _, ref := range refs {
				fmt.Fprintln(out, ref)
			}
			return nil
		},
	}
}
