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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spartanone/spartan/api"
	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/internal/traces"
)

const (
	certStoragePath = "./certmagic"
	shutdownTimeout = 10 * time.Second
	heartbeatEvery  = 5 * time.Minute
)

// tlsServer builds an HTTPS server whose certificates are managed by CertMagic.
// Without a domain it falls back to localhost.
func tlsServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: certStoragePath}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Warn("no domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}
	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

func sendHeartbeat(ctx context.Context, client posthog.Client, heartbeatID string) {
	ticker := time.NewTicker(heartbeatEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Enqueue(posthog.Capture{
					DistinctId: heartbeatID,
					Event:      "spartan_heartbeat",
					Properties: map[string]interface{}{
						"timestamp": time.Now().UTC(),
					},
				}); err != nil {
					logrus.WithError(err).Warn("failed to send heartbeat")
				}
			}
		}
	}()
}

func initializePostHog(ctx context.Context) posthog.Client {
	client, err := posthog.NewWithConfig("phc_XbsHF5iBSnPiTA96gl7xygazrwBa0r2Ut4vEHoBHNiG",
		posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		logrus.WithError(err).Warn("posthog disabled")
		return nil
	}
	sendHeartbeat(ctx, client, uuid.New().String())
	return client
}

// initializeObservability sets up tracing, the otel log bridge and the
// heartbeat when telemetry is enabled. The returned shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.EnableTelemetry {
		return noop, nil
	}

	if err := config.SetOtelExporterEnvs(); err != nil {
		return noop, err
	}
	shutdownOTel, err := traces.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return noop, fmt.Errorf("error setting up OTel SDK: %v", err)
	}

	phClient := initializePostHog(ctx)
	return func(ctx context.Context) error {
		if phClient != nil {
			_ = phClient.Close()
		}
		return shutdownOTel(ctx)
	}, nil
}

func serve(ctx context.Context, srv *http.Server, tls bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serverCommands starts the HTTP surface together with the sync engine and
// the connectivity prober.
func serverCommands(app *spartanInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the spartan server and sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeObservability(ctx, app.cnf)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.WithError(err).Warn("error during telemetry shutdown")
				}
			}()

			if err := app.spartan.Start(ctx); err != nil {
				return err
			}

			router := api.NewAPI(app.spartan).Router()
			conf := app.cnf.Server
			if conf.SSL {
				srv, err := tlsServer(ctx, router, conf)
				if err != nil {
					return err
				}
				logrus.Infof("starting HTTPS server on %s", conf.Port)
				return serve(ctx, srv, true)
			}

			logrus.Infof("starting server on http://localhost:%s", conf.Port)
			return serve(ctx, &http.Server{Addr: ":" + conf.Port, Handler: router}, false)
		},
	}
}
