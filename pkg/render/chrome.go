package render

import (
	"context"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/matzehuels/osfexport/pkg/errors"
)

// ChromeOptions configures [ChromePDF].
type ChromeOptions struct {
	// ExecPath is the browser binary. Empty means look up chromium or
	// google-chrome on PATH.
	ExecPath string
	// Timeout bounds the whole conversion. Zero means 60s.
	Timeout time.Duration
}

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

const footerTemplate = `<div style="font-size:8px;width:100%;padding:0 12mm;display:flex;justify-content:space-between">` +
	`<span>Exported: <span class="date"></span></span><span>Page: <span class="pageNumber"></span></span></div>`

// ChromePDF prints an HTML document (see [WriteHTML]) to PDF with headless
// Chrome.
func ChromePDF(ctx context.Context, html []byte, opts ChromeOptions) ([]byte, error) {
	execPath := opts.ExecPath
	if execPath == "" {
		for _, name := range chromeBinaries {
			if p, err := exec.LookPath(name); err == nil {
				execPath = p
				break
			}
		}
		if execPath == "" {
			return nil, errors.New(errors.ErrCodeRender, "chrome engine selected but no chromium or chrome binary found")
		}
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27). // A4
				WithPaperHeight(11.69).
				WithMarginTop(0.6).
				WithMarginBottom(0.7).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(footerTemplate).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRender, err, "chrome pdf generation")
	}
	return pdf, nil
}
