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
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/config"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Sync.TriggerQueue:          3,
		conf.Notification.Webhook.Queue: 1,
	}
}

// initializeWorkerServer processes one task at a time, so drains triggered
// through the queue never overlap within a worker.
func initializeWorkerServer(opt asynq.RedisConnOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      queues,
		Logger:      logrus.StandardLogger(),
	})
}

func startMonitor(conf *config.Configuration, opt asynq.RedisConnOpt) *http.Server {
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%s", conf.Sync.WorkerMonitorPort), Handler: h}

	go func() {
		logrus.Infof("asynqmon listening on %s/monitoring", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()
	return srv
}

// workerCommands consumes drain triggers enqueued by `POST /sync?async=true`
// and posts queued sync events. The engine keeps running as well, so
// connectivity changes and the retry loop still drive drains here.
func workerCommands(app *spartanInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "start spartan drain workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conf := app.cnf
			if conf.Redis.Dns == "" {
				return errors.New("workers require redis.dns to be configured")
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.WithError(err).Warn("error during telemetry shutdown")
				}
			}()

			opt, err := spartan.RedisConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				return fmt.Errorf("error parsing Redis URL: %v", err)
			}

			if err := app.spartan.Start(ctx); err != nil {
				return err
			}

			mux := asynq.NewServeMux()
			app.spartan.Engine().RegisterHandlers(mux)
			if webhooks := app.spartan.Webhooks(); webhooks != nil {
				webhooks.RegisterHandlers(mux)
			}

			monitor := startMonitor(conf, opt)
			defer func() { _ = monitor.Close() }()

			return initializeWorkerServer(opt, initializeQueues(conf)).Run(mux)
		},
	}
}
