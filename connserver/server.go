// Package connserver implements the proxy's per-connection request
// loop (§2 component H): parsing, validation, driving the filter
// pipeline, upstream dispatch, chunked re-encoding and keep-alive.
//
// No teacher source for this exact state machine was retrieved in the
// reference pack (the teacher's own proxy.go builds on net/http's
// server and RoundTripper, rather than parsing HTTP/1.x by hand), so
// the wire-level parsing here is grounded directly on net/textproto,
// the same stdlib package net/http itself is built on, and documented
// per-step against §4.H of the specification.
package connserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"

	"github.com/httprelay/httprelay/filters"
	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/logging"
	"github.com/httprelay/httprelay/message"
	"github.com/httprelay/httprelay/metrics"
	"github.com/httprelay/httprelay/upstream"
)

// Config holds the subset of proxy configuration the connection server
// needs at serve time.
type Config struct {
	MaxKeepAliveRequests int
	ChunkSize            int
	SupportedSchemes     map[string]bool
	ForwardedMethods     map[string]bool
	ConnectTimeout       time.Duration
	ConnectIdleTimeout   time.Duration
}

// Conn serves one accepted client connection for its whole lifetime.
type Conn struct {
	netConn  net.Conn
	pipeline *filters.Pipeline
	upstream *upstream.Client
	cfg      Config
	log      *logging.MaskedLogger
	metrics  *metrics.Metrics
}

// New builds a Conn ready to Serve netConn.
func New(netConn net.Conn, pipeline *filters.Pipeline, up *upstream.Client, cfg Config, log *logging.MaskedLogger, m *metrics.Metrics) *Conn {
	return &Conn{netConn: netConn, pipeline: pipeline, upstream: up, cfg: cfg, log: log, metrics: m}
}

// Serve runs the per-connection state machine described in §4.H until
// the connection closes, the keep-alive budget is exhausted, or ctx is
// canceled (translated cancellation token per §9 Design Notes).
func (c *Conn) Serve(ctx context.Context) {
	defer c.netConn.Close()

	peer := c.netConn.RemoteAddr().String()
	connID := NewConnectionID()
	c.log.Process(fmt.Sprintf("connection %s accepted from %s", connID, peer))
	defer c.log.Process(fmt.Sprintf("connection %s closed", connID))

	pc := message.NewProxyContext(peer)
	reader := bufio.NewReader(c.netConn)
	tp := textproto.NewReader(reader)

	for served := 0; served < c.cfg.MaxKeepAliveRequests; served++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pc.Reset()
		pc.Served = served
		pc.StateBag["max_keep_alive_requests"] = c.cfg.MaxKeepAliveRequests

		req, malformed, err := c.readRequest(tp)
		if err != nil {
			if !malformed {
				return // client closed the connection; nothing to reply to
			}
			c.writeSimple(http.StatusBadRequest, "Bad Request", []byte(err.Error()))
			return
		}
		pc.Request = req
		requestStart := time.Now()

		if req.Method == message.MethodConnect {
			c.serveConnect(req)
			return
		}

		keepOpen := c.serveOne(pc)
		c.recordDuration(requestStart)
		if !keepOpen {
			return
		}
	}
}

// serveOne runs Validate, FilterRequest, Dispatch/ShortCircuit and
// StreamResponse for one request and reports whether the connection
// should stay open for the next one.
func (c *Conn) serveOne(pc *message.ProxyContext) bool {
	req := pc.Request

	if status, reason, msg := c.validate(req); status != 0 {
		c.writeSimple(status, reason, []byte(msg))
		return false
	}

	if err := c.pipeline.RequestHeaders.Run(req.Header, pc); err != nil {
		c.writeFilterError(err)
		return false
	}

	if !pc.ShortCircuited() {
		c.pipeline.RequestBody.SelectFilters(pc)
		body, err := c.pipeline.RequestBody.FilterLast(req.Body, pc)
		if err != nil {
			c.writeFilterError(err)
			return false
		}
		req.Body = body
		req.MarkDispatched()
	}

	if pc.ShortCircuited() {
		c.emitShortCircuit(pc)
		return c.keepAliveWanted(pc)
	}

	return c.dispatch(pc)
}

func (c *Conn) validate(req *message.Request) (status int, reason, msg string) {
	if !c.cfg.ForwardedMethods[req.Method] {
		return http.StatusNotImplemented, "Not Implemented",
			fmt.Sprintf("Method %s is not supported by this proxy.", req.Method)
	}
	if req.URI == nil || !c.cfg.SupportedSchemes[strings.ToLower(req.URI.Scheme)] {
		scheme := ""
		if req.URI != nil {
			scheme = req.URI.Scheme
		}
		return http.StatusNotImplemented, "Not Implemented",
			fmt.Sprintf("Scheme %s is not supported by this proxy.", scheme)
	}
	return 0, "", ""
}

// emitShortCircuit writes a response a request-side filter (or the
// standard filter's Max-Forwards handling) installed on pc, without
// contacting upstream.
func (c *Conn) emitShortCircuit(pc *message.ProxyContext) {
	resp := pc.Response
	if err := c.pipeline.ResponseHeaders.Run(resp.Header, pc); err != nil {
		c.writeFilterError(err)
		return
	}
	stripContentLength(resp)
	body := pc.ShortCircuitBody()
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.MarkHeadersSent()
	c.writeStatusAndHeaders(resp)
	if len(body) > 0 {
		c.netConn.Write(body)
	}
	c.recordStatus(pc)
	c.pipeline.EndOfMessage()
}

// dispatch sends the request upstream and streams the response back,
// per §4.H Dispatch/StreamResponse.
func (c *Conn) dispatch(pc *message.ProxyContext) bool {
	framing := &responseFraming{}
	var streamErr error

	err := c.upstream.SimpleRequest(pc.Request, func(resp *message.Response, chunk []byte, isLast bool) error {
		if pc.Response == nil {
			pc.Response = resp
			if resp.Header.Has("X-Died") && c.metrics != nil {
				c.metrics.UpstreamErrorsTotal.Inc()
			}
			framing.prepare(pc, c.cfg, resp)
			if err := c.pipeline.ResponseHeaders.Run(resp.Header, pc); err != nil {
				return err
			}
			stripContentLength(resp)
			resp.Header.Del("Client-Date")
			framing.decide(pc, resp)
			resp.MarkHeadersSent()
			c.writeStatusAndHeaders(resp)
			c.recordStatus(pc)
		}

		return c.emitBodyChunk(pc, framing, chunk, isLast)
	})

	if err != nil {
		streamErr = err
	}

	if pc.Response == nil {
		// upstream.Client never fails to call onChunk at least once;
		// this only guards a misbehaving custom upstream implementation.
		c.writeSimple(http.StatusInternalServerError, "Proxy filter error", []byte("no response received"))
		return false
	}

	if streamErr != nil {
		c.log.Status("stream error: ", streamErr)
	}

	if framing.chunked {
		c.netConn.Write([]byte("0\r\n\r\n"))
	}

	c.pipeline.EndOfMessage()
	return !framing.closeAfter && c.keepAliveWanted(pc)
}

func (c *Conn) emitBodyChunk(pc *message.ProxyContext, framing *responseFraming, chunk []byte, isLast bool) error {
	if framing.headersOnly {
		if isLast {
			c.pipeline.ResponseBody.SelectFilters(pc)
			if _, err := c.pipeline.ResponseBody.FilterLast(nil, pc); err != nil {
				return err
			}
		}
		return nil
	}

	c.pipeline.ResponseBody.SelectFilters(pc)
	var (
		out []byte
		err error
	)
	if isLast {
		out, err = c.pipeline.ResponseBody.FilterLast(chunk, pc)
	} else {
		out, err = c.pipeline.ResponseBody.Filter(chunk, pc)
	}
	if err != nil {
		return err
	}

	return c.writeBodyChunk(framing, out)
}

func (c *Conn) writeBodyChunk(framing *responseFraming, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if framing.chunked {
		_, err := fmt.Fprintf(c.netConn, "%x\r\n", len(data))
		if err != nil {
			return err
		}
		if _, err := c.netConn.Write(data); err != nil {
			return err
		}
		_, err = c.netConn.Write([]byte("\r\n"))
		return err
	}
	_, err := c.netConn.Write(data)
	return err
}

func (c *Conn) writeStatusAndHeaders(resp *message.Response) {
	fmt.Fprintf(c.netConn, "%s %d %s\r\n", resp.Proto, resp.Status, resp.Reason)
	resp.Header.Walk(func(name, value string) {
		fmt.Fprintf(c.netConn, "%s: %s\r\n", name, value)
	})
	c.netConn.Write([]byte("\r\n"))
}

func (c *Conn) writeSimple(status int, reason string, body []byte) {
	resp := message.NewResponse(status, reason, "HTTP/1.1")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set("Connection", "close")
	c.writeStatusAndHeaders(resp)
	c.netConn.Write(body)
}

func (c *Conn) writeFilterError(err error) {
	body := []byte(err.Error())
	if c.metrics != nil {
		c.metrics.FilterErrorsTotal.Inc()
	}
	c.writeSimple(http.StatusInternalServerError, "Proxy filter error", body)
}

// recordDuration observes end-to-end latency for one request, from the
// moment the request had been read off the connection to the moment its
// response (or short-circuit reply) finished being written.
func (c *Conn) recordDuration(start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestDuration.Observe(time.Since(start).Seconds())
}

func (c *Conn) recordStatus(pc *message.ProxyContext) {
	if c.metrics == nil || pc.Response == nil {
		return
	}
	c.metrics.RequestsTotal.WithLabelValues(pc.Request.Method, metrics.StatusClass(pc.Response.Status)).Inc()
}

func (c *Conn) keepAliveWanted(pc *message.ProxyContext) bool {
	keepAlive := false
	for _, v := range pc.HopHeaders.Values("Connection") {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "close":
			return false
		case "keep-alive":
			keepAlive = true
		}
	}
	if !pc.Request.ProtoAtLeast11() && !keepAlive {
		return false
	}
	return true
}

// stripContentLength enforces the resolved Open Question in
// SPEC_FULL.md: a response-header filter that set Content-Length is
// overridden, since the body is about to be re-framed.
func stripContentLength(resp *message.Response) {
	resp.Header.Del("Content-Length")
}

// responseFraming decides, once per response, whether the body is sent
// chunked, raw-then-close, or suppressed entirely (§4.H StreamResponse).
type responseFraming struct {
	chunked     bool
	headersOnly bool
	closeAfter  bool
	antique     bool
}

func (f *responseFraming) prepare(pc *message.ProxyContext, cfg Config, resp *message.Response) {
	f.antique = !isHTTP10OrNewer(pc.Request.Proto)
}

func (f *responseFraming) decide(pc *message.ProxyContext, resp *message.Response) {
	status := resp.Status
	switch {
	case status >= 100 && status < 200, status == 204, status == 304:
		f.headersOnly = true
		return
	}
	if pc.Request.Method == message.MethodHead {
		f.headersOnly = true
		return
	}

	if f.antique {
		f.closeAfter = true
		return
	}

	if pc.Request.ProtoAtLeast11() {
		resp.Header.Add("Transfer-Encoding", "chunked")
		f.chunked = true
		if pc.Served+1 >= maxKeepAliveFromContext(pc) {
			resp.Header.Set("Connection", "close")
			f.closeAfter = true
		}
		return
	}

	f.closeAfter = true
}

// maxKeepAliveFromContext recovers the configured keep-alive budget
// stashed by Conn.Serve, so responseFraming can detect the final
// request of a connection without importing connserver.Config into its
// own struct (kept deliberately small and message-package-only).
func maxKeepAliveFromContext(pc *message.ProxyContext) int {
	if v, ok := pc.StateBag["max_keep_alive_requests"].(int); ok {
		return v
	}
	return 1<<31 - 1
}

func isHTTP10OrNewer(proto string) bool {
	return strings.HasPrefix(proto, "HTTP/") && !strings.HasPrefix(proto, "HTTP/0.")
}

func (c *Conn) readRequest(tp *textproto.Reader) (*message.Request, bool, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return nil, false, err
	}
	if line == "" {
		return nil, false, errors.New("empty request line")
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, true, fmt.Errorf("malformed request line %q", line)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	h := header.New()
	for {
		hline, err := tp.ReadLine()
		if err != nil {
			return nil, true, fmt.Errorf("reading headers: %w", err)
		}
		if hline == "" {
			break
		}
		i := strings.IndexByte(hline, ':')
		if i < 0 {
			return nil, true, fmt.Errorf("malformed header line %q", hline)
		}
		name := strings.TrimSpace(hline[:i])
		value := strings.TrimSpace(hline[i+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, true, fmt.Errorf("invalid header field %q", hline)
		}
		h.Add(name, value)
	}

	uri, err := resolveTarget(method, target, h)
	if err != nil {
		return nil, true, err
	}

	req := &message.Request{Method: method, URI: uri, Proto: proto, Header: h}

	body, err := c.readBody(tp, h)
	if err != nil {
		return nil, true, err
	}
	req.Body = body

	return req, false, nil
}

func resolveTarget(method, target string, h *header.Header) (*message.URI, error) {
	if method == message.MethodConnect {
		return message.ParseAuthorityForm(target)
	}
	if strings.Contains(target, "://") {
		return message.ParseAbsolute(target)
	}
	return message.ParseOriginForm(target, h.Get("Host"), "http")
}

func (c *Conn) readBody(tp *textproto.Reader, h *header.Header) ([]byte, error) {
	if strings.EqualFold(h.Get("Transfer-Encoding"), "chunked") {
		return readChunkedBody(tp)
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed Content-Length %q", cl)
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		if _, err := readFull(tp, buf); err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		return buf, nil
	}
	return nil, nil
}

func readFull(tp *textproto.Reader, buf []byte) (int, error) {
	r := tp.R
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readChunkedBody(tp *textproto.Reader) ([]byte, error) {
	var out []byte
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		sizeStr := line
		if i := strings.IndexByte(line, ';'); i >= 0 {
			sizeStr = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk size %q", line)
		}
		if size == 0 {
			for {
				trailer, err := tp.ReadLine()
				if err != nil {
					return nil, err
				}
				if trailer == "" {
					break
				}
			}
			return out, nil
		}
		buf := make([]byte, size)
		if _, err := readFull(tp, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
		if _, err := tp.ReadLine(); err != nil { // trailing CRLF after chunk data
			return nil, err
		}
	}
}

// NewConnectionID returns a short identifier for log correlation,
// matching the DOMAIN STACK's use of github.com/google/uuid.
func NewConnectionID() string {
	return uuid.NewString()
}
