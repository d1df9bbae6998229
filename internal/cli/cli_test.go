package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/osfexport/pkg/errors"
)

func TestExtractProjectID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "abc12", want: "abc12"},
		{in: "  ABC12 ", want: "abc12"},
		{in: "https://osf.io/abc12/", want: "abc12"},
		{in: "https://osf.io/abc12", want: "abc12"},
		{in: "https://api.osf.io/v2/nodes/abc12/", want: "abc12"},
		{in: "https://test.osf.io/abc12/?view_only=1", want: "abc12"},
		{in: "osf.io/abc12/", want: "abc12"},
		{in: "", wantErr: true},
		{in: "https://osf.io/", wantErr: true},
		{in: "ab", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ExtractProjectID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrCodeInvalidInput) {
					t.Fatalf("ExtractProjectID(%q) error = %v, want INVALID_INPUT", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractProjectID(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ExtractProjectID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRootCommandSubcommands(t *testing.T) {
	root := New(&bytes.Buffer{}, log.InfoLevel).RootCommand()
	want := []string{"export", "serve", "cache", "config", "completion", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("--config flag missing")
	}
}

func TestMaskToken(t *testing.T) {
	tests := map[string]string{
		"":             "(none)",
		"abc":          "***",
		"abcdefghwxyz": "********wxyz",
	}
	for in, want := range tests {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
	if strings.Contains(maskToken("supersecret"), "super") {
		t.Error("mask leaked token prefix")
	}
}
