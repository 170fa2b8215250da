package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spartanone/spartan"
	"github.com/spartanone/spartan/internal/request"
	"github.com/spartanone/spartan/internal/salesnote"
	"github.com/spartanone/spartan/model"
)

const remoteTimeout = 30 * time.Second

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// callServer asks a running `spartan start` instead of opening the store here.
func callServer(ctx context.Context, app *spartanInstance, server, method, path string, payload, response interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, method, strings.TrimRight(server, "/")+path, payload)
	if err != nil {
		return err
	}
	if app.cnf.Server.SecretKey != "" {
		req.Header.Set("X-Spartan-Key", app.cnf.Server.SecretKey)
	}
	_, err = request.Call(nil, req, response)
	return err
}

func enqueueCommands(app *spartanInstance) *cobra.Command {
	var (
		draft    salesnote.Draft
		items    []string
		taxRate  string
		endpoint string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "queue a sales note for delivery",
		Example: `  spartan enqueue --number NV-001 --client Acme \
    --item "Cemento 25kg:3:5990" --item "Arena:1.5:12000"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := decimal.NewFromString(taxRate)
			if err != nil {
				return fmt.Errorf("invalid tax rate: %w", err)
			}
			draft.TaxRate = rate
			for _, raw := range items {
				item, err := salesnote.ParseItem(raw)
				if err != nil {
					return err
				}
				draft.Items = append(draft.Items, item)
			}
			if err := draft.Validate(); err != nil {
				return err
			}

			if endpoint == "" {
				endpoint = app.cnf.Sync.SalesNoteEndpoint
			}
			doc := model.NewOfflineDocument(endpoint, http.MethodPost, draft.Payload())
			if err := app.spartan.Enqueue(cmd.Context(), doc); err != nil {
				return err
			}

			_, _, total := draft.Totals()
			logrus.WithFields(logrus.Fields{
				"document_id": doc.ID,
				"numero_nv":   draft.Number,
				"total":       total.String(),
			}).Info("sales note queued")
			return printJSON(cmd, doc)
		},
	}

	cmd.Flags().StringVar(&draft.Number, "number", "", "sales note number (numeroNV)")
	cmd.Flags().StringVar(&draft.Client, "client", "", "client name")
	cmd.Flags().StringVar(&draft.RUT, "rut", "", "client RUT")
	cmd.Flags().StringVar(&draft.Email, "email", "", "submitter email")
	cmd.Flags().StringVar(&draft.Notes, "notes", "", "free text notes")
	cmd.Flags().StringArrayVar(&items, "item", nil, "line item as description:quantity:unit_price (repeatable)")
	cmd.Flags().StringVar(&taxRate, "tax-rate", salesnote.DefaultTaxRate.String(), "tax rate applied to the net amount")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "remote endpoint, defaults to sync.sales_note_endpoint")
	return cmd
}

func syncCommands(app *spartanInstance) *cobra.Command {
	var server string
	var assumeOnline bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run one drain pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result spartan.DrainResult
			if server != "" {
				if err := callServer(cmd.Context(), app, server, http.MethodPost, "/sync", nil, &result); err != nil {
					return err
				}
			} else {
				if assumeOnline {
					app.spartan.Monitor().Set(true)
				}
				result = app.spartan.Engine().SyncNow(cmd.Context())
			}

			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if failed := result.Failed(); failed > 0 {
				return fmt.Errorf("%d document(s) not delivered", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "address of a running spartan server, e.g. http://localhost:5005")
	cmd.Flags().BoolVar(&assumeOnline, "online", true, "treat the remote as reachable for this pass")
	return cmd
}

func statusCommands(app *spartanInstance) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				var state spartan.State
				if err := callServer(cmd.Context(), app, server, http.MethodGet, "/status", nil, &state); err != nil {
					return err
				}
				return printJSON(cmd, state)
			}

			if err := app.spartan.Engine().Refresh(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, app.spartan.Engine().State())
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "address of a running spartan server, e.g. http://localhost:5005")
	return cmd
}

func recoverCommands(app *spartanInstance) *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "re-arm documents left in syncing by an interrupted drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.spartan.Engine().Recover(cmd.Context(), threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"recovered": n})
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "only re-arm documents syncing for longer than this")
	return cmd
}
