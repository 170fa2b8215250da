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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/database"
	"github.com/spartanone/spartan/internal/notification"
)

// annotationNoInstance marks commands that only need the configuration,
// not an opened store.
const annotationNoInstance = "spartan/no-instance"

// Spartan is the CLI application.
type Spartan struct {
	cmd *cobra.Command
	app *spartanInstance
}

// spartanInstance is shared by every command once preRun has run.
type spartanInstance struct {
	spartan    *spartan.Spartan
	cnf        *config.Configuration
	configFile string
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and, unless the command opts out, opens
// the store and builds the Spartan instance.
func preRun(app *spartanInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(app.configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if _, skip := cmd.Annotations[annotationNoInstance]; skip {
			return nil
		}

		s, err := setupSpartan(cnf)
		if err != nil {
			notification.NotifyError(err)
			return err
		}
		app.spartan = s
		return nil
	}
}

// close runs after every command, including ones whose RunE failed.
func (app *spartanInstance) close() {
	if app.spartan == nil {
		return
	}
	if err := app.spartan.Close(); err != nil {
		logrus.WithError(err).Warn("error closing spartan")
	}
	app.spartan = nil
}

func setupSpartan(cfg *config.Configuration) (*spartan.Spartan, error) {
	store, err := database.NewDataSource(cfg, spartan.SQLFiles)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	s, err := spartan.NewSpartan(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("error creating spartan: %v", err)
	}
	return s, nil
}

func NewCLI() *Spartan {
	app := &spartanInstance{}

	rootCmd := &cobra.Command{
		Use:               "spartan",
		Short:             "Offline write queue and sync engine for Spartan One",
		SilenceUsage:      true,
		PersistentPreRunE: preRun(app),
	}
	rootCmd.PersistentFlags().StringVar(&app.configFile, "config", "./spartan.json", "Configuration file for spartan")

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(enqueueCommands(app))
	rootCmd.AddCommand(syncCommands(app))
	rootCmd.AddCommand(statusCommands(app))
	rootCmd.AddCommand(recoverCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Spartan{cmd: rootCmd, app: app}
}

func (s Spartan) execute() error {
	defer s.app.close()
	return s.cmd.Execute()
}

func (s Spartan) executeCLI() {
	if err := s.execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
