package standard

import (
	"strings"
	"testing"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

func newRequestCtx(method string) (*message.ProxyContext, *header.Header) {
	ctx := message.NewProxyContext("10.1.2.3:5555")
	ctx.Request = message.NewRequest(method, &message.URI{Scheme: "http", Authority: "a.b", Path: "/"}, "HTTP/1.1")
	return ctx, ctx.Request.Header
}

func TestAddViaOnRequest(t *testing.T) {
	f := &Filter{Via: "httprelay"}
	ctx, h := newRequestCtx(message.MethodGet)

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if got := h.Get("Via"); got != "1.1 httprelay" {
		t.Fatalf("Via = %q, want %q", got, "1.1 httprelay")
	}
}

func TestXForwardedForAddsPeerHost(t *testing.T) {
	f := &Filter{XForwardedFor: true}
	ctx, h := newRequestCtx(message.MethodGet)

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if got := h.Get("X-Forwarded-For"); got != "10.1.2.3" {
		t.Fatalf("X-Forwarded-For = %q, want 10.1.2.3", got)
	}
}

func TestExtractHopByHopMovesConnectionTokensToHopHeaders(t *testing.T) {
	f := &Filter{}
	ctx, h := newRequestCtx(message.MethodGet)
	h.Set("Connection", "Keep-Alive, X-Custom-Hop")
	h.Set("X-Custom-Hop", "v")
	h.Set("X-Keep", "stays")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if h.Has("Connection") || h.Has("X-Custom-Hop") {
		t.Fatal("hop-by-hop headers should be removed from the message header bag")
	}
	if !h.Has("X-Keep") {
		t.Fatal("non-hop-by-hop header should remain")
	}
	if ctx.HopHeaders.Get("Connection") == "" || ctx.HopHeaders.Get("X-Custom-Hop") == "" {
		t.Fatal("hop-by-hop values should be captured into ctx.HopHeaders")
	}
}

func TestMaxForwardsZeroTraceShortCircuitsWithEcho(t *testing.T) {
	f := &Filter{}
	ctx, h := newRequestCtx(message.MethodTrace)
	h.Set("Max-Forwards", "0")
	h.Set("Host", "a.b")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if !ctx.ShortCircuited() {
		t.Fatal("expected TRACE with Max-Forwards:0 to short-circuit")
	}
	if ctx.Response.Header.Get("Content-Type") != "message/http" {
		t.Fatalf("Content-Type = %q, want message/http", ctx.Response.Header.Get("Content-Type"))
	}
	if !strings.HasPrefix(string(ctx.ShortCircuitBody()), "TRACE") {
		t.Fatalf("expected echoed TRACE request body, got %q", ctx.ShortCircuitBody())
	}
}

func TestMaxForwardsZeroOptionsShortCircuitsWithAllowList(t *testing.T) {
	f := &Filter{ForwardedMethods: []string{"GET", "POST"}}
	ctx, h := newRequestCtx(message.MethodOptions)
	h.Set("Max-Forwards", "0")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if !ctx.ShortCircuited() {
		t.Fatal("expected OPTIONS with Max-Forwards:0 to short-circuit")
	}
	if got := ctx.Response.Header.Get("Allow"); got != "GET, POST" {
		t.Fatalf("Allow = %q, want GET, POST", got)
	}
	if got := ctx.Response.Header.Get("Content-Length"); got != "0" {
		t.Fatalf("Content-Length = %q, want 0", got)
	}
}

func TestMaxForwardsPositiveDecrementsForTraceAndOptions(t *testing.T) {
	f := &Filter{}
	ctx, h := newRequestCtx(message.MethodOptions)
	h.Set("Max-Forwards", "3")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if ctx.ShortCircuited() {
		t.Fatal("should not short-circuit when Max-Forwards > 0")
	}
	if got := h.Get("Max-Forwards"); got != "2" {
		t.Fatalf("Max-Forwards = %q, want 2", got)
	}
}

func TestMaxForwardsLeavesOtherMethodsAlone(t *testing.T) {
	f := &Filter{}
	ctx, h := newRequestCtx(message.MethodGet)
	h.Set("Max-Forwards", "0")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if ctx.ShortCircuited() {
		t.Fatal("GET with Max-Forwards:0 should not be intercepted")
	}
	if got := h.Get("Max-Forwards"); got != "0" {
		t.Fatalf("Max-Forwards should be left untouched, got %q", got)
	}
}

func TestRemoveClientHeadersAndAcceptEncoding(t *testing.T) {
	f := &Filter{}
	ctx, h := newRequestCtx(message.MethodGet)
	h.Set("Client-IP", "1.2.3.4")
	h.Set("Accept-Encoding", "gzip")
	h.Set("X-Keep", "yes")

	if err := f.FilterHeaders(h, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if h.Has("Client-IP") || h.Has("Accept-Encoding") {
		t.Fatal("Client-* headers and Accept-Encoding should be stripped from the request")
	}
	if !h.Has("X-Keep") {
		t.Fatal("unrelated header should remain")
	}
}

func TestFilterHeadersOnResponseSkipsRequestOnlySteps(t *testing.T) {
	f := &Filter{Via: "httprelay", XForwardedFor: true}
	ctx, _ := newRequestCtx(message.MethodGet)
	ctx.Response = message.NewResponse(200, "OK", "HTTP/1.1")
	respHeader := ctx.Response.Header
	respHeader.Set("Client-Should-Stay", "yes") // response-side: not request-only cleanup

	if err := f.FilterHeaders(respHeader, ctx); err != nil {
		t.Fatalf("FilterHeaders error: %s", err)
	}
	if respHeader.Get("Via") != "1.1 httprelay" {
		t.Fatalf("expected Via added to response, got %q", respHeader.Get("Via"))
	}
	if respHeader.Has("X-Forwarded-For") {
		t.Fatal("X-Forwarded-For must not be added on the response side")
	}
	if !respHeader.Has("Client-Should-Stay") {
		t.Fatal("removeClientHeaders must not run on the response side")
	}
}
