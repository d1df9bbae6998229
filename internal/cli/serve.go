package cli

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/matzehuels/osfexport/pkg/observability"
	"github.com/matzehuels/osfexport/pkg/render"
	"github.com/matzehuels/osfexport/pkg/server"
)

// serveCommand creates the serve command.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr    string
		testAPI bool
		cacheBE string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP export service",
		Long: `Serve exports over HTTP.

  POST /v1/exports   {"project_id": "abc12", "format": "pdf"}
  GET  /healthz
  GET  /metrics

Callers pass their own OSF token as a bearer credential; the service never
uses the configured token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("test-api") {
				cfg.TestAPI = testAPI
			}
			if cmd.Flags().Changed("cache") {
				cfg.Cache.Backend = cacheBE
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := newCache(ctx, cfg.Cache)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			prom := observability.NewPrometheus(appName)
			observability.SetExportHooks(prom)
			observability.SetCacheHooks(prom)
			observability.SetHTTPHooks(prom)
			defer observability.Reset()

			srv := server.New(server.Config{
				BaseURL:        cfg.BaseURL(),
				Cache:          store,
				CacheTTL:       cfg.Cache.TTL,
				Retry:          retryPolicy(cfg.Retry),
				Workers:        cfg.Workers,
				MaxConcurrent:  cfg.Server.MaxConcurrent,
				Timeout:        cfg.Server.Timeout,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Diagram:        cfg.Diagram,
				SkipImages:     cfg.SkipImages,
				Chrome:         render.ChromeOptions{ExecPath: cfg.ChromePath},
				PDF:            render.PDFOptions{FontFile: cfg.PDFFont},
				Gatherer:       prom.Registry(),
				HTTPClient:     &http.Client{Timeout: cfg.Retry.Timeout},
				Logger:         loggerFromContext(ctx),
			})
			printInfo("Serving on %s (API %s)", StyleHighlight.Render(cfg.Server.Addr), cfg.BaseURL())
			err = srv.ListenAndServe(ctx, cfg.Server.Addr)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080)")
	cmd.Flags().BoolVar(&testAPI, "test-api", false, "use the OSF test server")
	cmd.Flags().StringVar(&cacheBE, "cache", "", "response cache: none, file, redis, mongo")

	return cmd
}
