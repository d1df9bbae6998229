package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/osfexport/pkg/config"
)

// configCommand creates the config inspection command.
func (c *CLI) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.resolvedConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings after file and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			showConfig(cfg)
			if err := cfg.Validate(); err != nil {
				printNewline()
				printWarning("%v", err)
			}
			return nil
		},
	})

	return cmd
}

func (c *CLI) resolvedConfigPath() (string, error) {
	if c.configPath != "" {
		return c.configPath, nil
	}
	return config.Path()
}

func showConfig(cfg config.Config) {
	printKeyValue("api", cfg.BaseURL())
	printKeyValue("token", maskToken(cfg.Token))
	printKeyValue("workers", strconv.Itoa(cfg.Workers))
	printKeyValue("out_dir", cfg.OutDir)
	printKeyValue("format", cfg.Format)
	printKeyValue("engine", cfg.Engine)
	if cfg.PDFFont != "" {
		printKeyValue("pdf_font", cfg.PDFFont)
	}
	printKeyValue("diagram", strconv.FormatBool(cfg.Diagram))
	printKeyValue("skip_images", strconv.FormatBool(cfg.SkipImages))
	printKeyValue("retry", fmt.Sprintf("%d attempts, %s..%s, timeout %s",
		cfg.Retry.Attempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Timeout))
	cacheDesc := cfg.Cache.Backend
	switch cfg.Cache.Backend {
	case config.CacheFile:
		dir := cfg.Cache.Dir
		if dir == "" {
			dir, _ = cacheDir()
		}
		cacheDesc += " " + dir
	case config.CacheRedis:
		cacheDesc += " " + cfg.Cache.RedisURL
	case config.CacheMongo:
		cacheDesc += " " + cfg.Cache.MongoDatabase + "." + cfg.Cache.MongoCollection
	}
	printKeyValue("cache", cacheDesc)
	printKeyValue("server", fmt.Sprintf("%s (max %d concurrent)", cfg.Server.Addr, cfg.Server.MaxConcurrent))
}

// maskToken keeps the last four characters of a token.
func maskToken(tok string) string {
	if tok == "" {
		return "(none)"
	}
	if len(tok) <= 4 {
		return strings.Repeat("*", len(tok))
	}
	return strings.Repeat("*", 8) + tok[len(tok)-4:]
}
