// Package message implements the proxy's request/response data model:
// the normalized URI, the mutable Request and Response, and the
// per-connection ProxyContext threaded through the filter pipeline.
package message

import "github.com/httprelay/httprelay/header"

// Supported forwarded methods (§3, §4.H Validate).
const (
	MethodOptions = "OPTIONS"
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodTrace   = "TRACE"
	MethodConnect = "CONNECT"
)

// ForwardedMethods is the set of methods this proxy will relay upstream.
var ForwardedMethods = []string{
	MethodOptions, MethodGet, MethodHead, MethodPost,
	MethodPut, MethodDelete, MethodTrace, MethodConnect,
}

// Request is mutable until it has been dispatched to the upstream
// client; filters run on request-header and request-body stages read
// and write it freely up to that point.
type Request struct {
	Method  string
	URI     *URI
	Proto   string // e.g. "HTTP/1.1"
	Header  *header.Header
	Body    []byte
	dispatched bool
}

// NewRequest builds a Request with an empty header bag.
func NewRequest(method string, uri *URI, proto string) *Request {
	return &Request{Method: method, URI: uri, Proto: proto, Header: header.New()}
}

// MarkDispatched freezes the request: after this point it must not be
// mutated further (it has been, or is being, sent upstream).
func (r *Request) MarkDispatched() { r.dispatched = true }

// Dispatched reports whether MarkDispatched has been called.
func (r *Request) Dispatched() bool { return r.dispatched }

// ProtoAtLeast11 reports whether the request's protocol token is
// HTTP/1.1 or newer.
func (r *Request) ProtoAtLeast11() bool {
	return protoAtLeast(r.Proto, 1, 1)
}

// Raw serializes the request as an HTTP/1.x message (request line,
// headers, blank line, body), suitable for use as the body of a
// message/http response (the TRACE echo in §4.F step 4).
func (r *Request) Raw() []byte {
	var b []byte
	b = append(b, r.Method...)
	b = append(b, ' ')
	if r.URI != nil {
		b = append(b, r.URI.Path...)
		if r.URI.Query != "" {
			b = append(b, '?')
			b = append(b, r.URI.Query...)
		}
	} else {
		b = append(b, '/')
	}
	b = append(b, ' ')
	b = append(b, r.Proto...)
	b = append(b, '\r', '\n')
	r.Header.Walk(func(name, value string) {
		b = append(b, name...)
		b = append(b, ':', ' ')
		b = append(b, value...)
		b = append(b, '\r', '\n')
	})
	b = append(b, '\r', '\n')
	b = append(b, r.Body...)
	return b
}

// Response is mutable until its headers have been flushed to the
// client; after that point only body bytes may be transformed by the
// response-body filter stack.
type Response struct {
	Status      int
	Reason      string
	Proto       string
	Header      *header.Header
	headersSent bool
}

// NewResponse builds a Response with an empty header bag.
func NewResponse(status int, reason, proto string) *Response {
	return &Response{Status: status, Reason: reason, Proto: proto, Header: header.New()}
}

// MarkHeadersSent freezes the response's status line and headers.
func (r *Response) MarkHeadersSent() { r.headersSent = true }

// HeadersSent reports whether MarkHeadersSent has been called.
func (r *Response) HeadersSent() bool { return r.headersSent }

func protoAtLeast(proto string, major, minor int) bool {
	m, n, ok := parseProto(proto)
	if !ok {
		return false
	}
	if m != major {
		return m > major
	}
	return n >= minor
}

func parseProto(proto string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if len(proto) < len(prefix)+3 || proto[:len(prefix)] != prefix {
		return 0, 0, false
	}
	rest := proto[len(prefix):]
	dot := -1
	for i, c := range rest {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0, 0, false
	}
	major, ok1 := atoiDigits(rest[:dot])
	minor, ok2 := atoiDigits(rest[dot+1:])
	return major, minor, ok1 && ok2
}

func atoiDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
