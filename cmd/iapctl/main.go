package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "iapctl",
		Short:        "Drive an iap-helper server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("IAP_SERVER", "http://localhost:8080"), "iap-helper base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "control API key")

	run := func(method string, path func(args []string) string, body func(args []string) interface{}) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			var payload interface{}
			if body != nil {
				payload = body(args)
			}
			data, err := newClient(serverURL, apiKey).call(method, path(args), payload)
			if err != nil {
				return err
			}
			return printJSON(out, data)
		}
	}
	fixed := func(p string) func([]string) string { return func([]string) string { return p } }

	root.AddCommand(
		&cobra.Command{
			Use:   "products",
			Short: "List products and their state",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodGet, fixed("/api/products"), nil),
		},
		&cobra.Command{
			Use:   "fetch [product-id]",
			Short: "Fetch catalog entries for all products or one",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(http.MethodPost, func(args []string) string {
				if len(args) == 1 {
					return "/api/products/" + url.PathEscape(args[0]) + "/fetch"
				}
				return "/api/products/fetch"
			}, nil),
		},
		&cobra.Command{
			Use:   "purchase <product-id>",
			Short: "Submit a payment for a product",
			Args:  cobra.ExactArgs(1),
			RunE: run(http.MethodPost, func(args []string) string {
				return "/api/products/" + url.PathEscape(args[0]) + "/purchase"
			}, nil),
		},
		&cobra.Command{
			Use:   "settle <transaction-id> <purchased|failed|deferred> [reason]",
			Short: "Settle a pending sandbox transaction",
			Args:  cobra.RangeArgs(2, 3),
			RunE: run(http.MethodPost, func(args []string) string {
				return "/api/queue/transactions/" + url.PathEscape(args[0]) + "/settle"
			}, func(args []string) interface{} {
				body := map[string]string{"state": args[1]}
				if len(args) == 3 {
					body["reason"] = args[2]
				}
				return body
			}),
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Restore completed transactions",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodPost, fixed("/api/restore"), nil),
		},
		&cobra.Command{
			Use:   "reset [product-id]",
			Short: "Delete activation records for all products or one",
			Args:  cobra.MaximumNArgs(1),
			RunE: run(http.MethodPost, func(args []string) string {
				if len(args) == 1 {
					return "/api/products/" + url.PathEscape(args[0]) + "/reset"
				}
				return "/api/reset"
			}, nil),
		},
		&cobra.Command{
			Use:   "entitlement",
			Short: "Show the current entitlement level",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodGet, fixed("/api/entitlement"), nil),
		},
	)
	return root
}

func printJSON(out io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
