package filters

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/httprelay/httprelay/message"
)

// PredicateConfig is the named-field configuration for a MatchPredicate,
// as described in §4.D. Every field defaults when left at its zero
// value; all fields are conjunctive.
type PredicateConfig struct {
	// MIME is a glob matched against the response Content-Type. A nil
	// MIME defaults to "text/*". A non-nil pointer to "" matches only
	// an absent Content-Type header. The keyword "None" (case
	// insensitive) matches any response regardless of content type.
	MIME *string
	// Method is a comma-separated list of HTTP methods; defaults to
	// "GET, POST, HEAD".
	Method string
	// Scheme is a comma-separated list of URI schemes; defaults to
	// "http". Every scheme named must be in supportedSchemes.
	Scheme string
	// Host is a regular expression matched case-insensitively against
	// the URI authority; defaults to ".*".
	Host string
	// Path is a regular expression matched against the URI path;
	// defaults to ".*".
	Path string
	// Query is a regular expression matched against the URI query
	// (without leading '?'; empty string if absent); defaults to ".*".
	Query string
}

// MatchPredicate is a pure function of the current Request (and
// Response, if already available) that decides whether a FilterEntry
// applies to the in-flight message.
type MatchPredicate struct {
	mimeAny bool
	mimeRe  *regexp.Regexp // nil means "match absent only"
	methods map[string]struct{}
	schemes map[string]struct{}
	hostRe  *regexp.Regexp
	pathRe  *regexp.Regexp
	queryRe *regexp.Regexp
}

// NewPredicate validates cfg and compiles a MatchPredicate. supported
// holds the lower-case scheme names the upstream client can dispatch;
// every scheme named in cfg.Scheme must appear in it. A nil supported
// map skips that check.
func NewPredicate(cfg PredicateConfig, supported map[string]bool) (*MatchPredicate, error) {
	p := &MatchPredicate{}

	mime := "text/*"
	if cfg.MIME != nil {
		mime = *cfg.MIME
	}
	switch {
	case strings.EqualFold(mime, "None"):
		p.mimeAny = true
	case mime == "":
		// Explicit empty string: matches only an absent Content-Type.
		p.mimeRe = nil
	default:
		re, err := globToRegexp(mime)
		if err != nil {
			return nil, fmt.Errorf("filters: invalid mime glob %q: %w", mime, err)
		}
		p.mimeRe = re
	}

	methodList := cfg.Method
	if methodList == "" {
		methodList = "GET, POST, HEAD"
	}
	p.methods = make(map[string]struct{})
	for _, m := range strings.Split(methodList, ",") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !validMethod(m) {
			return nil, fmt.Errorf("filters: unknown method %q", m)
		}
		p.methods[m] = struct{}{}
	}

	schemeList := cfg.Scheme
	if schemeList == "" {
		schemeList = "http"
	}
	p.schemes = make(map[string]struct{})
	for _, s := range strings.Split(schemeList, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if supported != nil && !supported[s] {
			return nil, fmt.Errorf("filters: scheme %q is not supported by upstream", s)
		}
		p.schemes[s] = struct{}{}
	}

	host := cfg.Host
	if host == "" {
		host = ".*"
	}
	hostRe, err := regexp.Compile("(?i)" + host)
	if err != nil {
		return nil, fmt.Errorf("filters: invalid host regex %q: %w", host, err)
	}
	p.hostRe = hostRe

	path := cfg.Path
	if path == "" {
		path = ".*"
	}
	pathRe, err := regexp.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("filters: invalid path regex %q: %w", path, err)
	}
	p.pathRe = pathRe

	query := cfg.Query
	if query == "" {
		query = ".*"
	}
	queryRe, err := regexp.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("filters: invalid query regex %q: %w", query, err)
	}
	p.queryRe = queryRe

	return p, nil
}

// MIME is a convenience constructor for PredicateConfig.MIME, whose
// tri-state semantics (unset / explicit empty / glob) need an
// addressable string.
func MIME(s string) *string { return &s }

func validMethod(m string) bool {
	switch m {
	case message.MethodOptions, message.MethodGet, message.MethodHead,
		message.MethodPost, message.MethodPut, message.MethodDelete,
		message.MethodTrace, message.MethodConnect:
		return true
	default:
		return false
	}
}

// AlwaysMatch returns a predicate that matches every request regardless
// of method, scheme, host, path, query or content type. It is used to
// register the standard RFC 2616 header filter, which applies
// unconditionally (§4.E ordering guarantee).
func AlwaysMatch() *MatchPredicate {
	return &MatchPredicate{
		mimeAny: true,
		hostRe:  regexp.MustCompile(".*"),
		pathRe:  regexp.MustCompile(".*"),
		queryRe: regexp.MustCompile(".*"),
	}
}

// Match evaluates the predicate against the current request (and
// response, which may be nil on the request-side stages). A nil
// methods or schemes set (as built by AlwaysMatch) matches any value.
// The MIME test only applies when resp is non-nil.
func (p *MatchPredicate) Match(req *message.Request, resp *message.Response) bool {
	if req == nil {
		return false
	}
	if p.methods != nil {
		if _, ok := p.methods[strings.ToUpper(req.Method)]; !ok {
			return false
		}
	}
	if req.URI != nil {
		if p.schemes != nil {
			if _, ok := p.schemes[strings.ToLower(req.URI.Scheme)]; !ok {
				return false
			}
		}
		if !p.hostRe.MatchString(req.URI.Authority) {
			return false
		}
		if !p.pathRe.MatchString(req.URI.Path) {
			return false
		}
		if !p.queryRe.MatchString(req.URI.Query) {
			return false
		}
	}

	if !p.mimeAny && resp != nil {
		ct := resp.Header.Get("Content-Type")
		if p.mimeRe == nil {
			if ct != "" {
				return false
			}
		} else if ct == "" || !p.mimeRe.MatchString(ct) {
			return false
		}
	}

	return true
}

// globToRegexp compiles a simple glob (only '*' is special, matching
// any run of characters) into an anchored, case-insensitive regexp.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}
