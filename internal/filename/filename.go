// Package filename derives display filenames for fetched resources and
// formats Content-Disposition headers.
package filename

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// Source records which rule produced a filename.
type Source int

const (
	// SourceGenerated is the timestamp fallback.
	SourceGenerated Source = iota
	// SourceDisposition is the filename parameter of Content-Disposition.
	SourceDisposition
	// SourcePath is the last path segment of the effective URL.
	SourcePath
)

func (s Source) String() string {
	switch s {
	case SourceDisposition:
		return "disposition"
	case SourcePath:
		return "path"
	default:
		return "generated"
	}
}

// Resolver picks a filename from upstream response metadata.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver. A nil clock defaults to time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve returns a non-empty filename, trying in order the Content-Disposition
// filename, the last non-empty path segment of effective (percent-decoded),
// and finally "download-<epoch millis>".
func (r *Resolver) Resolve(header http.Header, effective *url.URL) (string, Source) {
	if name, ok := FromDisposition(header.Get("Content-Disposition")); ok {
		return name, SourceDisposition
	}
	if name, ok := FromPath(effective); ok {
		return name, SourcePath
	}
	return fmt.Sprintf("download-%d", r.now().UnixMilli()), SourceGenerated
}

// FromDisposition extracts the filename parameter from a Content-Disposition
// value. RFC 2231 filename* takes precedence over filename. Malformed values
// report ok=false.
func FromDisposition(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return "", false
	}
	name := params["filename"]
	return name, name != ""
}

// FromPath returns the last non-empty path segment of u, percent-decoded.
// A segment with an invalid escape reports ok=false.
func FromPath(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	segments := strings.Split(u.EscapedPath(), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == "" {
			continue
		}
		name, err := url.PathUnescape(segments[i])
		if err != nil || name == "" {
			return "", false
		}
		return name, true
	}
	return "", false
}

var hexEscape = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)

// Disposition formats an "attachment" Content-Disposition for name. Only the
// base name is used. Names that are not printable ASCII, or that contain
// percent escapes, also get an RFC 5987 filename* parameter next to an ASCII
// fallback.
func Disposition(name string) string {
	base := path.Base(name)
	if name == "" || base == "." || base == "/" {
		return "attachment"
	}

	if isPrintableASCII(base) && !hexEscape.MatchString(base) {
		return "attachment; filename=" + quote(base)
	}
	return "attachment; filename=" + quote(asciiFallback(base)) + "; filename*=UTF-8''" + encodeExtValue(base)
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func asciiFallback(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			b.WriteByte('?')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// encodeExtValue percent-encodes every byte outside the unreserved set
// ALPHA / DIGIT / "-" / "_" / "." / "!" / "~".
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '!', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
