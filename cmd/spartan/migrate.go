/*
Copyright 2024 Spartan One Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/database"
)

// migrateCommands applies or rolls back the offline_documents schema.
// Redis stores have no schema.
func migrateCommands(app *spartanInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "run spartan migrations",
		Annotations: map[string]string{annotationNoInstance: "true"},
	}

	cmd.AddCommand(migrateDirectionCommand(app, "up", migrate.Up, "Applied %d migrations!\n"))
	cmd.AddCommand(migrateDirectionCommand(app, "down", migrate.Down, "Rolled back %d migrations!\n"))
	return cmd
}

func migrateDirectionCommand(app *spartanInstance, use string, dir migrate.MigrationDirection, done string) *cobra.Command {
	return &cobra.Command{
		Use:         use,
		Annotations: map[string]string{annotationNoInstance: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			driver := app.cnf.DataSource.Driver
			if driver == "redis" {
				fmt.Fprintln(cmd.OutOrStdout(), "redis store has no migrations")
				return nil
			}

			db, err := database.ConnectDB(driver, app.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			n, err := database.Migrate(db, driver, spartan.SQLFiles, dir)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), done, n)
			return nil
		},
	}
}
