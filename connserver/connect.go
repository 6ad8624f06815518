package connserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/httprelay/httprelay/message"
)

// serveConnect implements the CONNECT tunnel path (§4.H): once the
// target dials successfully, the proxy never looks at another byte of
// the stream, applying no filters at all, and splices the two sockets
// together until either side closes.
func (c *Conn) serveConnect(req *message.Request) {
	target := req.URI.Authority
	if _, _, err := net.SplitHostPort(target); err != nil {
		c.writeSimple(http.StatusBadRequest, "Bad Request", []byte("CONNECT target must be host:port"))
		return
	}

	upstreamConn, err := net.DialTimeout("tcp", target, c.cfg.ConnectTimeout)
	if err != nil {
		c.writeSimple(http.StatusBadGateway, "Bad Gateway", []byte(err.Error()))
		return
	}
	defer upstreamConn.Close()

	c.log.Connect(fmt.Sprintf("CONNECT tunnel %s -> %s established", req.URI.Authority, upstreamConn.RemoteAddr()))
	if _, err := fmt.Fprintf(c.netConn, "%s 200 Connection established\r\n\r\n", req.Proto); err != nil {
		return
	}

	splice(c.netConn, upstreamConn, c.cfg.ConnectIdleTimeout)
	c.log.Connect(fmt.Sprintf("CONNECT tunnel %s closed", req.URI.Authority))
}

// splice copies bytes in both directions between a and b until one side
// reaches EOF, fails, or the idle timeout expires. Whichever direction
// finishes first closes both connections, which ends the other
// direction too; the errgroup waits for both.
func splice(a, b net.Conn, idle time.Duration) {
	var g errgroup.Group
	teardown := func(err error) error {
		a.Close()
		b.Close()
		return err
	}
	g.Go(func() error { return teardown(copyWithIdle(a, b, idle)) })
	g.Go(func() error { return teardown(copyWithIdle(b, a, idle)) })
	g.Wait()
}

func copyWithIdle(dst, src net.Conn, idle time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		if idle > 0 {
			src.SetReadDeadline(time.Now().Add(idle))
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
