package message

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// URI is the normalized, absolute-form request target. Request-line
// URIs are normalized to absolute form before any filter observes them:
// an origin-form target ("/path?q") is combined with the request's Host
// header to build one of these.
type URI struct {
	Scheme    string
	Authority string // host[:port]
	Path      string
	Query     string // without leading '?'
}

// ParseAbsolute parses a request-line target that is already in
// absolute form, e.g. "http://example.org:8080/a/b?c=d". A CONNECT
// authority-form target ("example.org:443") is rejected here; see
// ParseAuthorityForm.
func ParseAbsolute(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed request target %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("request target %q is not absolute-form", raw)
	}
	return &URI{
		Scheme:    strings.ToLower(u.Scheme),
		Authority: u.Host,
		Path:      u.Path,
		Query:     u.RawQuery,
	}, nil
}

// ParseOriginForm parses an origin-form target ("/path?query") and
// combines it with the authority taken from the request's Host header,
// per the invariant in §3 of the data model.
func ParseOriginForm(raw, host, scheme string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed request target %q: %w", raw, err)
	}
	if host == "" {
		return nil, fmt.Errorf("origin-form target %q requires a Host header", raw)
	}
	if !httpguts.ValidHostHeader(host) {
		return nil, fmt.Errorf("invalid Host header %q", host)
	}
	if scheme == "" {
		scheme = "http"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &URI{
		Scheme:    strings.ToLower(scheme),
		Authority: host,
		Path:      path,
		Query:     u.RawQuery,
	}, nil
}

// ParseAuthorityForm parses the "host:port" target used by CONNECT.
func ParseAuthorityForm(raw string) (*URI, error) {
	host, port, err := splitHostPort(raw)
	if err != nil {
		return nil, err
	}
	return &URI{Scheme: "connect", Authority: host + ":" + port}, nil
}

func splitHostPort(raw string) (string, string, error) {
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return "", "", fmt.Errorf("authority-form target %q is missing a port", raw)
	}
	return raw[:i], raw[i+1:], nil
}

// String renders the URI in absolute form.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Authority)
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// Host returns the authority without its port, if any.
func (u *URI) Host() string {
	if i := strings.LastIndexByte(u.Authority, ':'); i >= 0 {
		return u.Authority[:i]
	}
	return u.Authority
}
