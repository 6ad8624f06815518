package message

import "github.com/httprelay/httprelay/header"

// ProxyContext is the per-connection handle threaded through the filter
// pipeline. A filter reads and may write Request/Response/HopHeaders
// through this context rather than through any process-global or
// proxy-configuration-object state (§9 Design Notes).
type ProxyContext struct {
	Request    *Request
	Response   *Response
	PeerAddr   string // client socket peer address
	HopHeaders *header.Header
	Served     int // count of requests already served on this connection

	// StateBag lets filters stash arbitrary per-message data without
	// widening this struct; analogous to the teacher's FilterContext
	// StateBag, but keyed per ProxyContext rather than per request.
	StateBag map[string]interface{}

	shortCircuited   bool
	shortCircuitBody []byte
}

// NewProxyContext starts a fresh per-connection context.
func NewProxyContext(peerAddr string) *ProxyContext {
	return &ProxyContext{
		PeerAddr:   peerAddr,
		HopHeaders: header.New(),
		StateBag:   make(map[string]interface{}),
	}
}

// Reset prepares the context for the next request served on the same
// connection, preserving PeerAddr and the served-request counter.
func (c *ProxyContext) Reset() {
	c.Request = nil
	c.Response = nil
	c.HopHeaders = header.New()
	c.StateBag = make(map[string]interface{})
	c.shortCircuited = false
}

// ShortCircuit installs resp as the response to send to the client,
// bypassing the upstream fetch. A request-side filter calls this to
// synthesize a response (§ GLOSSARY: Short-circuit). body, if non-nil,
// is sent verbatim as the response body (no body filter stage runs over
// it, since a short-circuited message never touches the upstream body
// path).
func (c *ProxyContext) ShortCircuit(resp *Response, body []byte) {
	c.Response = resp
	c.shortCircuited = true
	c.shortCircuitBody = body
}

// ShortCircuited reports whether a request-side filter has synthesized
// a response via ShortCircuit.
func (c *ProxyContext) ShortCircuited() bool {
	return c.shortCircuited
}

// ShortCircuitBody returns the body installed alongside ShortCircuit,
// or nil if none was given.
func (c *ProxyContext) ShortCircuitBody() []byte {
	return c.shortCircuitBody
}
