package render

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	maxFilenameRunes = 80
	// Leaves room for the stamp and extension under the 255-byte limit
	// most filesystems put on a name.
	maxFilenameBytes = 200
	fallbackFilename = "export"
	filenameStamp    = "2006-01-02-150405"
)

// Filename builds an output file name from a project title: spaces become
// dashes, characters outside letters, digits, dash and underscore are
// dropped, the result is capped in runes and in bytes, and the export
// timestamp and ext are appended.
//
//	Filename("My Study: Wave 2", "pdf", t) // "My-Study-Wave-2-2025-01-31-093000.pdf"
func Filename(title, ext string, t time.Time) string {
	var sb strings.Builder
	n := 0
	lastDash := true
	for _, r := range strings.TrimSpace(title) {
		if n >= maxFilenameRunes || sb.Len()+utf8.RuneLen(r) > maxFilenameBytes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			sb.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-':
			if lastDash {
				continue
			}
			sb.WriteRune('-')
			lastDash = true
		default:
			continue
		}
		n++
	}
	base := strings.Trim(sb.String(), "-")
	if base == "" {
		base = fallbackFilename
	}
	name := base + "-" + t.UTC().Format(filenameStamp)
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return name
}
