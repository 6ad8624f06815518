// Package upstream implements the proxy's outbound HTTP client
// (§2 component I): it issues the request the filter pipeline produced
// and streams the response body back to the caller in fixed-size
// chunks, synthesizing a 5xx response on transport failure instead of
// returning a Go error, per the UpstreamError design in §7.
//
// The exchange is written and parsed directly off the TCP (or TLS)
// connection rather than through net/http.Client: net/http.Response
// hands back its headers as a plain map, which discards the origin's
// actual header order, and the whole point of header.Header is to keep
// that order through to the client. This mirrors connserver's own
// hand-rolled request parsing, applied here to the response side of the
// same exchange.
package upstream

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

// ChunkFunc receives one chunk of the response body at a time. resp is
// the finalized response (status, reason, proto, headers) from the
// first call onward. isLast is true on the call delivering the final
// bytes (which may be zero-length for an empty body).
type ChunkFunc func(resp *message.Response, chunk []byte, isLast bool) error

// Client issues outbound requests on behalf of the proxy.
type Client struct {
	// Timeout bounds one whole request/response exchange (§6 "timeout").
	Timeout time.Duration
	// ChunkSize is the read buffer size for streaming the response
	// body (§6 "chunk").
	ChunkSize int

	// Dialer opens the outbound connection; overridable in tests.
	Dialer *net.Dialer
}

// New builds a Client configured per §4.I: redirects are never
// followed (there being no upstream-library redirect machinery to
// disable, since this client speaks the wire directly), identity
// encoding only, and one connection per request rather than a pooled
// keep-alive transport, so the response's header order is read exactly
// as the origin sent it.
func New(timeout time.Duration, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Client{
		Timeout:   timeout,
		ChunkSize: chunkSize,
		Dialer:    &net.Dialer{Timeout: timeout},
	}
}

// SimpleRequest sends req upstream and streams the response body to
// onChunk. A transport-level failure (refused connection, DNS error,
// timeout, reset, malformed response) never surfaces as a returned
// error: it is turned into a synthesized 5xx response carrying an
// X-Died diagnostic header, and delivered to onChunk exactly like a
// real response, so response-header filters still run over it (§7
// UpstreamError).
func (c *Client) SimpleRequest(req *message.Request, onChunk ChunkFunc) error {
	deadline := time.Time{}
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}

	conn, err := c.dial(req, deadline)
	if err != nil {
		return onChunk(diedResponse(err), nil, true)
	}
	defer conn.Close()

	if err := c.writeRequest(conn, req); err != nil {
		return onChunk(diedResponse(err), nil, true)
	}

	resp, body, err := readResponse(conn, req.Method)
	if err != nil {
		return onChunk(diedResponse(err), nil, true)
	}

	return c.streamBody(resp, bytes.NewReader(body), onChunk)
}

func (c *Client) dial(req *message.Request, deadline time.Time) (net.Conn, error) {
	addr := hostPortWithDefault(req.URI.Authority, defaultPort(req.URI.Scheme))

	conn, err := c.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}
	if strings.EqualFold(req.URI.Scheme, "https") {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: req.URI.Host()})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

func defaultPort(scheme string) string {
	if strings.EqualFold(scheme, "https") {
		return "443"
	}
	return "80"
}

func hostPortWithDefault(authority, port string) string {
	if _, _, err := net.SplitHostPort(authority); err == nil {
		return authority
	}
	return net.JoinHostPort(authority, port)
}

// writeRequest renders req onto conn in wire order: request line, then
// every header exactly as the filter pipeline left it (Accept-Encoding
// already stripped by the standard filter per §4.F), then the body.
func (c *Client) writeRequest(conn net.Conn, req *message.Request) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, requestTarget(req))

	wroteHost := false
	req.Header.Walk(func(name, value string) {
		if strings.EqualFold(name, "Host") {
			wroteHost = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	})
	if !wroteHost {
		fmt.Fprintf(&b, "Host: %s\r\n", req.URI.Authority)
	}
	if !req.Header.Has("Content-Length") && len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	// One connection per request (see New's doc comment): ask the
	// origin to close afterward so a response with neither
	// Content-Length nor chunked framing still terminates the body
	// instead of reading forever on a kept-alive socket.
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	b.Write(req.Body)

	_, err := conn.Write(b.Bytes())
	return err
}

func requestTarget(req *message.Request) string {
	path := req.URI.Path
	if path == "" {
		path = "/"
	}
	if req.URI.Query != "" {
		return path + "?" + req.URI.Query
	}
	return path
}

// readResponse parses the status line, headers (preserving wire order
// into a header.Header) and fully-decoded body off conn.
func readResponse(conn net.Conn, method string) (*message.Response, []byte, error) {
	tp := textproto.NewReader(bufio.NewReader(conn))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: reading status line: %w", err)
	}
	proto, status, reason, err := parseStatusLine(line)
	if err != nil {
		return nil, nil, err
	}

	h := header.New()
	for {
		hline, err := tp.ReadLine()
		if err != nil {
			return nil, nil, fmt.Errorf("upstream: reading headers: %w", err)
		}
		if hline == "" {
			break
		}
		i := strings.IndexByte(hline, ':')
		if i < 0 {
			return nil, nil, fmt.Errorf("upstream: malformed header line %q", hline)
		}
		h.Add(strings.TrimSpace(hline[:i]), strings.TrimSpace(hline[i+1:]))
	}

	resp := message.NewResponse(status, reason, proto)
	h.Walk(resp.Header.Add)

	body, err := readResponseBody(tp, resp, method)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func parseStatusLine(line string) (proto string, status int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("upstream: malformed status line %q", line)
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return "", 0, "", fmt.Errorf("upstream: malformed status code in %q", line)
	}
	reason = ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

// readResponseBody decodes the body per the framing rule its headers
// declare: chunked transfer-encoding, a Content-Length byte count, or
// (lacking either) read-until-close.
func readResponseBody(tp *textproto.Reader, resp *message.Response, method string) ([]byte, error) {
	if noBodyExpected(resp, method) {
		return nil, nil
	}
	if strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked") {
		cr := http.NewChunkedReader(tp.R)
		return io.ReadAll(cr)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("upstream: malformed Content-Length %q", cl)
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(tp.R, buf); err != nil {
			return nil, fmt.Errorf("upstream: reading body: %w", err)
		}
		return buf, nil
	}
	return io.ReadAll(tp.R)
}

func noBodyExpected(resp *message.Response, method string) bool {
	if method == message.MethodHead {
		return true
	}
	if resp.Status >= 100 && resp.Status < 200 {
		return true
	}
	return resp.Status == http.StatusNoContent || resp.Status == http.StatusNotModified
}

func diedResponse(cause error) *message.Response {
	resp := message.NewResponse(http.StatusBadGateway, "Bad Gateway", "HTTP/1.1")
	resp.Header.Set("X-Died", cause.Error())
	resp.Header.Set("Content-Length", "0")
	return resp
}

func (c *Client) streamBody(resp *message.Response, body io.Reader, onChunk ChunkFunc) error {
	buf := make([]byte, c.ChunkSize)
	sentAny := false
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			last := readErr == io.EOF
			if r, ok := body.(interface{ Len() int }); ok && r.Len() == 0 {
				last = true
			}
			if err := onChunk(resp, chunk, last); err != nil {
				return err
			}
			sentAny = true
			if last {
				return nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if !sentAny {
					return onChunk(resp, nil, true)
				}
				return nil
			}
			return onChunk(diedResponse(readErr), nil, true)
		}
	}
}
