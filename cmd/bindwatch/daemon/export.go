package daemon

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/ubuntu/bindwatch/internal/schemagen"
)

func (a *App) installExport() {
	cmd := &cobra.Command{
		Use:       "export [model...]",
		Short:     "Write the JSON Schemas of the backend models to the bindings directory",
		Long:      fmt.Sprintf("Write the JSON Schemas of the backend models to the bindings directory.\n\nAvailable models: %s.", strings.Join(schemagen.Names(), ", ")),
		ValidArgs: schemagen.Names(),
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := schemagen.Export(a.layout(), args...)
			return err
		},
	}
	a.cmd.AddCommand(cmd)
}
