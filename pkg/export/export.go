// Package export runs the complete resolve → aggregate → build → write
// pipeline for one export request.
//
// Both the CLI and the HTTP service use a [Runner], so an export behaves the
// same from every entry point:
//
//	runner := export.NewRunner(osf.NewService(client), export.Options{Logger: logger})
//	result, err := runner.Execute(ctx, export.Request{
//	    RootID: "abc12",
//	    Dest:   "out",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Paths)
//
// # Failure Handling
//
// A fatal error (a rejected credential, an unreachable root, a document
// that cannot be written) fails the run and leaves nothing behind in the
// destination directory: documents are written to temporary files and only
// renamed into place once every document of the run has been produced.
// Contained failures are reported in [Result.Issues] and on the cover of
// each document.
package export

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/matzehuels/osfexport/pkg/errors"
	"github.com/matzehuels/osfexport/pkg/project"
	"github.com/matzehuels/osfexport/pkg/render"
)

// Output formats.
const (
	FormatPDF  = "pdf"
	FormatHTML = "html"
)

// PDF engines.
const (
	EngineNative = "native"
	EngineChrome = "chrome"
)

// ValidFormats is the set of supported output formats.
var ValidFormats = map[string]bool{
	FormatPDF:  true,
	FormatHTML: true,
}

// ValidEngines is the set of supported PDF engines.
var ValidEngines = map[string]bool{
	EngineNative: true,
	EngineChrome: true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request selects what to export and where.
type Request struct {
	// RootID is the project or component to export. Ignored when All is set.
	RootID string `json:"project_id,omitempty" validate:"required_without=All"`
	// All exports every accessible top-level project.
	All bool `json:"all,omitempty"`
	// Dest is where Execute writes. A path ending in the format's extension
	// names the file of a single document; anything else is a directory
	// that receives generated names.
	Dest string `json:"-"`
	// Format is pdf (default) or html.
	Format string `json:"format,omitempty" validate:"omitempty,oneof=pdf html"`
	// Engine is native (default) or chrome. Only applies to pdf.
	Engine string `json:"engine,omitempty" validate:"omitempty,oneof=native chrome"`
	// PerRoot writes one document per root instead of one combined document.
	PerRoot bool `json:"per_root,omitempty"`
}

// ValidateAndSetDefaults checks the request and fills in defaults.
func (r *Request) ValidateAndSetDefaults() error {
	r.RootID = strings.TrimSpace(r.RootID)
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	r.Engine = strings.ToLower(strings.TrimSpace(r.Engine))
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "invalid export request")
	}
	if r.All {
		r.RootID = ""
	} else if err := errors.ValidateNodeID(r.RootID); err != nil {
		return err
	}
	if r.Format == "" {
		r.Format = FormatPDF
	}
	if r.Engine == "" {
		r.Engine = EngineNative
	}
	return nil
}

// Ext returns the file extension for the request's format.
func (r Request) Ext() string {
	if r.Format == FormatHTML {
		return "html"
	}
	return "pdf"
}

// destFile returns Dest when it names the output file rather than a
// directory. PerRoot requests always write into a directory.
func (r Request) destFile() (string, bool) {
	if r.PerRoot || !strings.EqualFold(filepath.Ext(r.Dest), "."+r.Ext()) {
		return "", false
	}
	return r.Dest, true
}

// ContentType returns the MIME type of the request's output.
func (r Request) ContentType() string {
	if r.Format == FormatHTML {
		return "text/html; charset=utf-8"
	}
	return "application/pdf"
}

// Output is one built document and the file name it is written under.
type Output struct {
	Name     string
	Document *render.Document
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Registry *project.Registry
	Outputs  []Output
	// Paths lists the written files, in Outputs order. Empty until the
	// documents have been written.
	Paths []string
	// Issues is the degradation summary of the whole run.
	Issues []project.Issue
	Stats  Stats
}

// Stats contains timing and size information for a run.
type Stats struct {
	ResolveTime   time.Duration
	AggregateTime time.Duration
	RenderTime    time.Duration
	WriteTime     time.Duration
	NodeCount     int
	IssueCount    int
	Bytes         int64
}

// Complete reports whether the run exported every node without
// degradation.
func (r *Result) Complete() bool {
	return len(r.Issues) == 0
}
