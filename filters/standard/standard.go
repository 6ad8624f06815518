// Package standard implements the proxy's one mandatory filter: RFC
// 2616 hop-by-hop header handling, Via, X-Forwarded-For and
// Max-Forwards. It is grounded on the teacher's filters/rfc package
// (one filter per RFC concern, a plain Request/Response method pair)
// but, unlike that package, bundles every §4.F responsibility into a
// single filter instance, because the spec registers it once, ahead of
// user filters, on both header stacks.
package standard

import (
	"strconv"
	"strings"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

// hopByHop is the fixed set named in §4.F step 3. The current
// Connection header's token list is unioned with this set at filter
// time, since which headers are hop-by-hop can vary per message.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Public":              {},
}

// Filter implements filters.HeaderFilter and is registered, via
// filters.NewPipeline, ahead of any user-supplied header filter on both
// the request-header and response-header stacks.
type Filter struct {
	// Via is appended to the Via header as "<version> <Via>"; empty
	// disables Via entirely.
	Via string
	// XForwardedFor enables appending the client peer host to
	// X-Forwarded-For on the request side.
	XForwardedFor bool
	// ForwardedMethods is the set of methods this proxy forwards,
	// used to answer a Max-Forwards: 0 OPTIONS request with an Allow
	// list (§4.F step 4).
	ForwardedMethods []string
}

// FilterHeaders runs the five §4.F steps, in order, against h. Which
// steps apply depends on whether h is the request's or the response's
// header bag, determined by pointer identity against ctx.Request.
func (f *Filter) FilterHeaders(h *header.Header, ctx *message.ProxyContext) error {
	isRequest := ctx.Request != nil && h == ctx.Request.Header

	f.addVia(h, ctx, isRequest)

	if isRequest && f.XForwardedFor {
		h.Add("X-Forwarded-For", peerHost(ctx.PeerAddr))
	}

	f.extractHopByHop(h, ctx)

	if isRequest {
		if err := f.handleMaxForwards(h, ctx); err != nil {
			return err
		}
		if ctx.ShortCircuited() {
			return nil
		}
		removeClientHeaders(h)
	}

	return nil
}

func (f *Filter) addVia(h *header.Header, ctx *message.ProxyContext, isRequest bool) {
	if f.Via == "" {
		return
	}
	proto := ""
	if isRequest {
		if ctx.Request != nil {
			proto = ctx.Request.Proto
		}
	} else if ctx.Response != nil {
		proto = ctx.Response.Proto
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return
	}
	version := strings.TrimPrefix(proto, "HTTP/")
	h.Add("Via", version+" "+f.Via)
}

func peerHost(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (f *Filter) extractHopByHop(h *header.Header, ctx *message.ProxyContext) {
	names := map[string]struct{}{}
	for k := range hopByHop {
		names[k] = struct{}{}
	}
	for _, tok := range strings.Split(h.Get("Connection"), ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			names[canonicalToken(tok)] = struct{}{}
		}
	}

	for name := range names {
		if !h.Has(name) {
			continue
		}
		for _, v := range h.Values(name) {
			ctx.HopHeaders.Add(name, v)
		}
		h.Del(name)
	}
}

func canonicalToken(name string) string {
	// Matches header.Header's own canonicalization so Has/Del agree.
	return header.CanonicalName(name)
}

func (f *Filter) handleMaxForwards(h *header.Header, ctx *message.ProxyContext) error {
	if !h.Has("Max-Forwards") {
		return nil
	}
	raw := h.Get("Max-Forwards")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil // malformed value: leave alone, not this filter's job to reject
	}

	method := ctx.Request.Method
	switch {
	case n == 0 && method == message.MethodTrace:
		resp := message.NewResponse(200, "OK", ctx.Request.Proto)
		resp.Header.Set("Content-Type", "message/http")
		body := ctx.Request.Raw()
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		ctx.ShortCircuit(resp, body)
	case n == 0 && method == message.MethodOptions:
		resp := message.NewResponse(200, "OK", ctx.Request.Proto)
		resp.Header.Set("Allow", strings.Join(f.ForwardedMethods, ", "))
		resp.Header.Set("Content-Length", "0")
		ctx.ShortCircuit(resp, nil)
	case n > 0 && (method == message.MethodTrace || method == message.MethodOptions):
		h.Set("Max-Forwards", strconv.Itoa(n-1))
	}
	return nil
}

func removeClientHeaders(h *header.Header) {
	for _, name := range h.Names() {
		if strings.HasPrefix(name, "Client-") {
			h.Del(name)
		}
	}
	h.Del("Accept-Encoding")
}
