package main

import (
	"github.com/spf13/cobra"
)

func configCommands(app *spartanInstance) *cobra.Command {
	return &cobra.Command{
		Use:         "config",
		Short:       "config outputs your instance's computed configuration",
		Annotations: map[string]string{annotationNoInstance: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, app.cnf)
		},
	}
}
