package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/osfexport/pkg/config"
	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/export"
	"github.com/matzehuels/osfexport/pkg/observability"
	"github.com/matzehuels/osfexport/pkg/osf"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render"
)

// exportFlags holds the flag values of the export command.
type exportFlags struct {
	all        bool
	pick       bool
	perRoot    bool
	out        string
	format     string
	engine     string
	workers    int
	testAPI    bool
	cache      string
	token      string
	noDiagram  bool
	skipImages bool
	chromePath string
	pdfFont    string
}

// exportCommand creates the export command.
func (c *CLI) exportCommand() *cobra.Command {
	var flags exportFlags

	cmd := &cobra.Command{
		Use:   "export [project-url-or-id]",
		Short: "Export a project and its components to a document",
		Long: `Export an OSF project, including every nested component, to a single
document with metadata, contributors, file listings and wiki pages.

The project can be given as an ID (abc12) or as any OSF URL pointing at it.
With --all, every top-level project the token can access is exported; with
--pick, an interactive list of those projects is shown.`,
		Example: `  # Export one project
  osfexport export https://osf.io/abc12/

  # Export everything the token can access, one file per project
  OSF_TOKEN=... osfexport export --all --per-root --out exports/`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return c.runExport(cmd.Context(), cfg, flags, args)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&flags.all, "all", false, "export every accessible top-level project")
	f.BoolVar(&flags.pick, "pick", false, "choose a project interactively")
	f.BoolVar(&flags.perRoot, "per-root", false, "write one document per top-level project")
	f.StringVarP(&flags.out, "out", "o", "", "output directory, or file path for a single document")
	f.StringVarP(&flags.format, "format", "f", "", "output format: pdf, html")
	f.StringVar(&flags.engine, "engine", "", "pdf engine: native, chrome")
	f.IntVarP(&flags.workers, "workers", "w", 0, "concurrent API requests")
	f.BoolVar(&flags.testAPI, "test-api", false, "use the OSF test server")
	f.StringVar(&flags.cache, "cache", "", "response cache: none, file, redis, mongo")
	f.StringVar(&flags.token, "token", "", "personal access token (default $OSF_TOKEN)")
	f.BoolVar(&flags.noDiagram, "no-diagram", false, "omit the project tree diagram from the cover")
	f.BoolVar(&flags.skipImages, "skip-images", false, "do not download images referenced by wiki pages")
	f.StringVar(&flags.chromePath, "chrome-path", "", "browser binary for the chrome engine")
	f.StringVar(&flags.pdfFont, "pdf-font", "", "TrueType font for the native engine (e.g. a CJK face)")
	cmd.MarkFlagsMutuallyExclusive("all", "pick")

	return cmd
}

// apply overlays the flags the user set on cfg.
func (f exportFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("out") {
		cfg.OutDir = f.out
	}
	if changed("format") {
		cfg.Format = f.format
	}
	if changed("engine") {
		cfg.Engine = f.engine
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("test-api") {
		cfg.TestAPI = f.testAPI
	}
	if changed("cache") {
		cfg.Cache.Backend = f.cache
	}
	if changed("token") {
		cfg.Token = f.token
	}
	if changed("no-diagram") {
		cfg.Diagram = !f.noDiagram
	}
	if changed("skip-images") {
		cfg.SkipImages = f.skipImages
	}
	if changed("chrome-path") {
		cfg.ChromePath = f.chromePath
	}
	if changed("pdf-font") {
		cfg.PDFFont = f.pdfFont
	}
}

func (c *CLI) runExport(ctx context.Context, cfg config.Config, flags exportFlags, args []string) error {
	logger := loggerFromContext(ctx)

	store, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()
	svc := osf.NewService(c.newClient(cfg, store))

	req := export.Request{
		All:     flags.all,
		Dest:    cfg.OutDir,
		Format:  cfg.Format,
		Engine:  cfg.Engine,
		PerRoot: flags.perRoot,
	}
	switch {
	case flags.pick:
		id, err := choose(ctx, svc)
		if err != nil || id == "" {
			return err
		}
		req.RootID = id
	case len(args) == 1:
		if flags.all {
			return errors.New(errors.ErrCodeInvalidInput, "give either a project or --all, not both")
		}
		id, err := ExtractProjectID(args[0])
		if err != nil {
			return err
		}
		req.RootID = id
	case !flags.all:
		return errors.New(errors.ErrCodeInvalidInput, "specify a project URL or ID, --all, or --pick")
	}
	if req.All && cfg.Token == "" {
		printWarning("No token set; only public projects are listed (set OSF_TOKEN or --token)")
	}

	runner := export.NewRunner(svc, export.Options{
		Workers:    cfg.Workers,
		Logger:     logger,
		SkipImages: cfg.SkipImages,
		Diagram:    cfg.Diagram,
		Chrome:     render.ChromeOptions{ExecPath: cfg.ChromePath},
		PDF:        render.PDFOptions{FontFile: cfg.PDFFont},
	})

	spin := newSpinnerWithContext(ctx, "Starting export...")
	stages := newStageProgress(logger, spin)
	observability.SetExportHooks(stages)
	defer observability.SetExportHooks(observability.NoopExportHooks{})

	start := time.Now()
	spin.Start()
	result, err := runner.Execute(ctx, req)
	spin.Stop()
	logger.Debug("export finished", "degraded", stages.Degraded())
	if err != nil {
		if errors.Fatal(err) {
			printError("The API rejected the credential: %s", errors.UserMessage(err))
			printNextStep("Create a personal access token", "https://osf.io/settings/tokens/")
		}
		return err
	}

	printSuccess("Exported %s", result.Outputs[0].Document.Title)
	for _, p := range result.Paths {
		printFile(p)
	}
	printStats(result.Stats.NodeCount, len(result.Issues), time.Since(start))
	printIssues(result.Issues)
	return nil
}

// choose lists the accessible top-level projects and lets the user pick
// one. An empty ID means the user quit.
func choose(ctx context.Context, svc *osf.Service) (string, error) {
	spinner := newSpinnerWithContext(ctx, "Loading projects...")
	spinner.Start()
	nodes, _, err := svc.Accessible(ctx)
	spinner.Stop()
	if err != nil {
		return "", err
	}
	roots := topLevel(nodes)
	if len(roots) == 0 {
		printInfo("No accessible projects")
		return "", nil
	}
	picked, err := pickProject(roots)
	if err != nil || picked == nil {
		return "", err
	}
	return picked.ID, nil
}

// topLevel keeps the nodes whose parent is not in the listing.
func topLevel(nodes []*project.Node) []*project.Node {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	var roots []*project.Node
	for _, n := range nodes {
		if n.Parent == "" || !ids[n.Parent] {
			roots = append(roots, n)
		}
	}
	return roots
}
