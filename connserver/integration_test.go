package connserver

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/httprelay/httprelay/filters"
	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/logging"
	"github.com/httprelay/httprelay/message"
	"github.com/httprelay/httprelay/upstream"
)

// passthroughFilter does nothing; it stands in for the standard filter
// in tests that don't care about Via/X-Forwarded-For/hop-by-hop.
type passthroughFilter struct{}

func (passthroughFilter) FilterHeaders(h *header.Header, ctx *message.ProxyContext) error { return nil }

func testLogger() *logging.MaskedLogger {
	return logging.NewMaskedLogger(&logging.DefaultLog{}, logging.MaskNone)
}

func testConfig() Config {
	return Config{
		MaxKeepAliveRequests: 2,
		ChunkSize:            4096,
		SupportedSchemes:     map[string]bool{"http": true, "https": true},
		ForwardedMethods:     map[string]bool{"GET": true, "POST": true, "HEAD": true},
		ConnectTimeout:       2 * time.Second,
		ConnectIdleTimeout:   2 * time.Second,
	}
}

func TestServeIdentityPassthrough(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(200)
		w.Write([]byte("body-bytes"))
	}))
	defer upstreamSrv.Close()

	pipeline := filters.NewPipeline(passthroughFilter{})
	up := upstream.New(5*time.Second, 4096)

	client, server := net.Pipe()
	conn := New(server, pipeline, up, testConfig(), testLogger(), nil)

	done := make(chan struct{})
	go func() {
		conn.Serve(nopCtx{})
		close(done)
	}()

	reqLine := "GET " + upstreamSrv.URL + "/p HTTP/1.1\r\nHost: " + strings.TrimPrefix(upstreamSrv.URL, "http://") + "\r\nConnection: close\r\n\r\n"
	client.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if _, err := client.Write([]byte(reqLine)); err != nil {
		t.Fatalf("write request: %s", err)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %s", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("status line = %q, want 200", statusLine)
	}

	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	rest, _ := io.ReadAll(br)
	if !strings.Contains(string(rest), "X-Upstream: yes") {
		t.Fatalf("expected X-Upstream header relayed, got %q", rest)
	}
	if !strings.Contains(string(rest), "body-bytes") {
		t.Fatalf("expected body relayed (possibly chunk-framed), got %q", rest)
	}

	client.Close()
	<-done
}

func TestServeRejectsUnforwardedMethod(t *testing.T) {
	pipeline := filters.NewPipeline(passthroughFilter{})
	up := upstream.New(5*time.Second, 4096)

	client, server := net.Pipe()
	cfg := testConfig()
	cfg.ForwardedMethods = map[string]bool{"GET": true} // DELETE not allowed
	conn := New(server, pipeline, up, cfg, testLogger(), nil)

	done := make(chan struct{})
	go func() {
		conn.Serve(nopCtx{})
		close(done)
	}()

	client.SetWriteDeadline(time.Now().Add(3 * time.Second))
	client.Write([]byte("DELETE http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %s", err)
	}
	if !strings.Contains(statusLine, "501") {
		t.Fatalf("status line = %q, want 501 Not Implemented", statusLine)
	}

	client.Close()
	<-done
}

func TestServeConnectTunnel(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer target.Close()
	targetAddr := strings.TrimPrefix(target.URL, "http://")

	pipeline := filters.NewPipeline(passthroughFilter{})
	up := upstream.New(5*time.Second, 4096)

	client, server := net.Pipe()
	conn := New(server, pipeline, up, testConfig(), testLogger(), nil)

	done := make(chan struct{})
	go func() {
		conn.Serve(nopCtx{})
		close(done)
	}()

	client.SetWriteDeadline(time.Now().Add(3 * time.Second))
	client.Write([]byte("CONNECT " + targetAddr + " HTTP/1.1\r\nHost: " + targetAddr + "\r\n\r\n"))

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT status line: %s", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("status line = %q, want 200 Connection established", statusLine)
	}
	// consume the blank line terminating the CONNECT response
	br.ReadString('\n')

	plainReq := "GET / HTTP/1.1\r\nHost: " + targetAddr + "\r\nConnection: close\r\n\r\n"
	client.Write([]byte(plainReq))

	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	rest, _ := io.ReadAll(br)
	if !strings.Contains(string(rest), "ok") {
		t.Fatalf("expected tunneled response body, got %q", rest)
	}

	client.Close()
	<-done
}

// nopCtx is a minimal context.Context that never cancels, avoiding an
// import of "context" purely for context.Background() in these tests.
type nopCtx struct{}

func (nopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (nopCtx) Done() <-chan struct{}       { return nil }
func (nopCtx) Err() error                  { return nil }
func (nopCtx) Value(key interface{}) interface{} { return nil }
