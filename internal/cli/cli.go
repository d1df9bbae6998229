// Package cli implements the osfexport command-line interface.
//
// # Commands
//
//   - export: export a project, or every accessible project, to PDF or HTML
//   - serve: run the HTTP export service
//   - cache: manage the API response cache
//   - config: show the config file location and effective settings
//   - version: print build information
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. The logger
// is attached to the command context and handed to the export runner, which
// tags every line of a run with its run ID.
//
// # Configuration
//
// Settings come from the config file, then OSF_* and OSFEXPORT_*
// environment variables, then flags. See package config.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/osfexport/pkg/buildinfo"
	"github.com/matzehuels/osfexport/pkg/cache"
	"github.com/matzehuels/osfexport/pkg/config"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/httputil"
	"github.com/matzehuels/osfexport/pkg/osf"
)

// =============================================================================
// Constants
// =============================================================================

// appName is the application name used for directories and display.
const appName = "osfexport"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "osfexport exports OSF projects to PDF",
		Long: `osfexport retrieves an OSF project with all of its nested components and
renders metadata, contributors, file listings and wiki pages into a single
navigable document.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/osfexport/config.toml)")

	root.AddCommand(c.exportCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.configCommand())
	root.AddCommand(c.completionCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	})

	return root
}

// =============================================================================
// Factories
// =============================================================================

// loadConfig reads the config file and environment. Flags are applied by
// the caller before validation.
func (c *CLI) loadConfig() (config.Config, error) {
	return config.Load(c.configPath)
}

// newCache opens the configured cache backend.
func newCache(ctx context.Context, cfg config.Cache) (cache.Cache, error) {
	switch cfg.Backend {
	case config.CacheFile:
		dir := cfg.Dir
		if dir == "" {
			d, err := cacheDir()
			if err != nil {
				return nil, err
			}
			dir = d
		}
		return cache.NewFileCache(dir)
	case config.CacheRedis:
		return cache.NewRedisCache(ctx, cfg.RedisURL)
	case config.CacheMongo:
		return cache.NewMongoCache(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	default:
		return cache.NewNullCache(), nil
	}
}

// retryPolicy converts the configured retry budget.
func retryPolicy(cfg config.Retry) httputil.Policy {
	return httputil.Policy{Attempts: cfg.Attempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
}

// newClient builds an API client from cfg.
func (c *CLI) newClient(cfg config.Config, store cache.Cache) *osf.Client {
	return osf.NewClient(store,
		osf.WithBaseURL(cfg.BaseURL()),
		osf.WithToken(cfg.Token),
		osf.WithRetry(retryPolicy(cfg.Retry)),
		osf.WithHTTPClient(&http.Client{Timeout: cfg.Retry.Timeout}),
		osf.WithTTL(cfg.Cache.TTL),
		osf.WithLogger(c.Logger),
	)
}

// =============================================================================
// Paths
// =============================================================================

// cacheDir returns the file cache directory (~/.cache/osfexport/).
func cacheDir() (string, error) {
	return cache.DefaultDir()
}

// =============================================================================
// Input Helpers
// =============================================================================

// ExtractProjectID accepts a bare project ID or any OSF URL (web or API)
// and returns the ID, which is the last path segment.
//
//	https://osf.io/abc12/                     -> abc12
//	https://api.osf.io/v2/nodes/abc12/        -> abc12
//	abc12                                     -> abc12
func ExtractProjectID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "project URL or ID cannot be empty")
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid project URL %q", s)
		}
		s = u.Path
	}
	id := strings.ToLower(path.Base("/" + strings.Trim(s, "/")))
	if err := errors.ValidateNodeID(id); err != nil {
		return "", fmt.Errorf("%w (from %q)", err, s)
	}
	return id, nil
}
