// Package policy implements the URL acceptance rules applied to every fetch
// target before the gateway contacts an upstream host.
package policy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"ziply-proxy-go/internal/model"
)

var (
	// ErrInvalidURL is returned when the candidate string is not a well-formed URL.
	ErrInvalidURL = errors.New("invalid URL")
	// ErrSchemeNotAllowed is returned for any scheme other than https.
	ErrSchemeNotAllowed = errors.New("scheme not allowed")
	// ErrDomainNotAllowed is returned when the host is outside the allowlist.
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// maxURLLength matches the limit browsers historically enforced. Inputs of
// this length or longer are rejected.
const maxURLLength = 2083

// parseableSchemes are the schemes the validator recognises as URLs. Only
// https passes the scheme guard; the others are well-formed but rejected later.
var parseableSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
}

// mimePrefixes is the fixed set of accepted content types. Matching is by
// prefix, so "application/pdf" also admits e.g. "application/pdf+foo".
var mimePrefixes = []string{"video/", "audio/", "image/", "application/pdf"}

// Policy is the process-wide, read-only acceptance configuration. It is built
// once at startup and shared by all requests; no method mutates it.
type Policy struct {
	allowlist             []string
	enforceMIMEOnDownload bool
}

// New creates a Policy. Allowlist entries are trimmed and empty entries are
// dropped; an empty allowlist admits every host.
func New(allowlist []string, enforceMIMEOnDownload bool) *Policy {
	domains := make([]string, 0, len(allowlist))
	for _, d := range allowlist {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	return &Policy{
		allowlist:             domains,
		enforceMIMEOnDownload: enforceMIMEOnDownload,
	}
}

// Allowlist returns a copy of the configured domains.
func (p *Policy) Allowlist() []string {
	return append([]string(nil), p.allowlist...)
}

// AllowsAllDomains reports whether domain filtering is disabled.
func (p *Policy) AllowsAllDomains() bool {
	return len(p.allowlist) == 0
}

// EnforceMIMEOnDownload reports whether the stream proxy applies the MIME
// policy before sending any bytes.
func (p *Policy) EnforceMIMEOnDownload() bool {
	return p.enforceMIMEOnDownload
}

// Target validates raw and runs the scheme and domain guards, in that order.
// No network access happens here.
func (p *Policy) Target(raw, requestedFilename string) (model.RequestTarget, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return model.RequestTarget{}, err
	}
	if err := p.Check(u); err != nil {
		return model.RequestTarget{}, err
	}
	return model.NewRequestTarget(u, requestedFilename), nil
}

// Check applies the scheme guard then the domain guard to an already parsed
// URL. It is also used for every redirect hop.
func (p *Policy) Check(u *url.URL) error {
	if err := CheckScheme(u); err != nil {
		return err
	}
	return p.CheckDomain(u)
}

// CheckDomain passes when the allowlist is empty, when the hostname equals an
// entry, or when it is a subdomain of one. The hostname is lowercased as a URL
// parser would; allowlist entries are compared as configured, so an entry
// containing uppercase letters never matches.
func (p *Policy) CheckDomain(u *url.URL) error {
	if len(p.allowlist) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range p.allowlist {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrDomainNotAllowed, host)
}

// CheckScheme passes iff the scheme is exactly https.
func CheckScheme(u *url.URL) error {
	if u == nil || u.Scheme != "https" {
		scheme := ""
		if u != nil {
			scheme = u.Scheme
		}
		return fmt.Errorf("%w: %q", ErrSchemeNotAllowed, scheme)
	}
	return nil
}

// AllowsContentType reports whether contentType starts with one of the
// accepted MIME prefixes. An empty content type is rejected.
func AllowsContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	for _, prefix := range mimePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// ParseURL validates raw as a URL without requiring a top-level domain, so
// internal names like "localhost" or "files.internal" are accepted.
//
// A scheme-less input such as "example.com/a.pdf" is well-formed; it is
// returned with an empty scheme and fails CheckScheme.
func ParseURL(raw string) (*url.URL, error) {
	if raw == "" || len(raw) >= maxURLLength {
		return nil, ErrInvalidURL
	}
	if strings.IndexFunc(raw, rejectedRune) >= 0 {
		return nil, ErrInvalidURL
	}
	if strings.HasPrefix(strings.ToLower(raw), "mailto:") {
		return nil, ErrInvalidURL
	}

	candidate := raw
	schemeless := false
	if i := strings.Index(raw, "://"); i >= 0 {
		if !parseableSchemes[strings.ToLower(raw[:i])] {
			return nil, ErrInvalidURL
		}
	} else {
		if strings.HasPrefix(raw, "//") {
			return nil, ErrInvalidURL
		}
		schemeless = true
		candidate = "http://" + raw
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Host == "" || !validHost(u.Hostname()) {
		return nil, ErrInvalidURL
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, ErrInvalidURL
		}
	}

	if schemeless {
		u.Scheme = ""
	}
	return u, nil
}

func rejectedRune(r rune) bool {
	return r == '<' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r)
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}

	labels := strings.Split(host, ".")
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}

	// A purely numeric last label is an invalid IPv4 address, not a name.
	last := labels[len(labels)-1]
	return strings.IndexFunc(last, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		if r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
