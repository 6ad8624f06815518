/*
Package httprelay implements an HTTP/1.x intercepting forward proxy
with an extensible request/response filter pipeline.

NewPipeline builds the filter pipeline and New the rest of the proxy —
upstream client, concurrency engine and metrics registry — from a
parsed configuration; Run listens and serves until ctx is canceled,
mirroring the way the teacher's root
skipper package exposes a single skipper.Run(options) entry point for
its command.
*/
package httprelay

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/httprelay/httprelay/config"
	"github.com/httprelay/httprelay/connserver"
	"github.com/httprelay/httprelay/engine"
	"github.com/httprelay/httprelay/filters"
	"github.com/httprelay/httprelay/filters/standard"
	"github.com/httprelay/httprelay/logging"
	"github.com/httprelay/httprelay/message"
	"github.com/httprelay/httprelay/metrics"
	"github.com/httprelay/httprelay/upstream"
)

// Proxy owns every long-lived collaborator the connection server needs:
// the filter pipeline, the upstream client, the chosen concurrency
// engine, and the shared logger/metrics.
type Proxy struct {
	cfg      *config.Config
	pipeline *filters.Pipeline
	upstream *upstream.Client
	engine   engine.Engine
	log      *logging.MaskedLogger
	metrics  *metrics.Metrics

	// connCount counts every accepted connection over the process
	// lifetime, so Run can stop after max_connections (§6, "Exit
	// codes: 0 normal stop after max_connections").
	connCount atomic.Int64
}

// New assembles a Proxy from cfg. pipeline must already have any
// user-supplied filters registered beyond the standard one Pipeline
// seeds automatically (see filters.NewPipeline).
func New(cfg *config.Config, pipeline *filters.Pipeline, reg prometheus.Registerer, logger logging.Logger) *Proxy {
	maskedLog := logging.NewMaskedLogger(logger, cfg.LogMask)
	m := metrics.New(reg)
	eng := engine.New(cfg.Engine, cfg.MaxClients, engine.ScoreboardOptions{
		MinSpareServers:     cfg.MinSpareServers,
		MaxSpareServers:     cfg.MaxSpareServers,
		StartServers:        cfg.StartServers,
		MaxRequestsPerChild: cfg.MaxRequestsPerChild,
		VerifyDelay:         cfg.VerifyDelay,
		Metrics:             m,
	})

	return &Proxy{
		cfg:      cfg,
		pipeline: pipeline,
		upstream: upstream.New(cfg.Timeout, cfg.Chunk),
		engine:   eng,
		log:      maskedLog,
		metrics:  m,
	}
}

// NewPipeline builds a Pipeline seeded with the standard RFC 2616
// header filter configured per cfg (Via token and X-Forwarded-For).
func NewPipeline(cfg *config.Config) *filters.Pipeline {
	std := &standard.Filter{
		Via:              cfg.Via,
		XForwardedFor:    cfg.XForwardedFor,
		ForwardedMethods: message.ForwardedMethods,
	}
	return filters.NewPipeline(std)
}

// connserverConfig translates the proxy's Config into the narrower
// shape connserver.Conn needs.
func (p *Proxy) connserverConfig() connserver.Config {
	return connserver.Config{
		MaxKeepAliveRequests: p.cfg.MaxKeepAliveRequests,
		ChunkSize:            p.cfg.Chunk,
		SupportedSchemes:     config.SupportedSchemeSet(),
		ForwardedMethods:     config.ForwardedMethodSet(message.ForwardedMethods),
		ConnectTimeout:       p.cfg.ConnectTimeout,
		ConnectIdleTimeout:   p.cfg.ConnectIdleTimeout,
	}
}

// WorkerHandler exposes the same per-connection Handler construction
// Run uses internally, for a re-exec'd ForkPerConn/Scoreboard worker
// process (see engine.RunWorker) to serve its one assigned connection
// or listening socket identically to the long-lived parent.
func (p *Proxy) WorkerHandler() engine.HandlerFunc {
	return p.newHandler()
}

// newHandler builds the engine.HandlerFunc that wraps each accepted
// connection in a connserver.Conn sharing this Proxy's pipeline,
// upstream client, logger and metrics.
func (p *Proxy) newHandler() engine.HandlerFunc {
	csCfg := p.connserverConfig()
	return func(conn net.Conn) engine.Handler {
		if p.metrics != nil {
			p.metrics.ActiveConnections.Inc()
		}
		if p.cfg.MaxConnections > 0 && p.connCount.Add(1) >= int64(p.cfg.MaxConnections) {
			p.log.Process(fmt.Sprintf("httprelay: max_connections (%d) reached, stopping after this connection", p.cfg.MaxConnections))
			p.engine.Stop()
		}
		return &countingHandler{
			inner: connserver.New(conn, p.pipeline, p.upstream, csCfg, p.log, p.metrics),
			done:  p.metrics,
		}
	}
}

// countingHandler decrements the active-connection gauge once the
// wrapped connserver.Conn finishes serving.
type countingHandler struct {
	inner *connserver.Conn
	done  *metrics.Metrics
}

func (h *countingHandler) Serve(ctx context.Context) {
	defer func() {
		if h.done != nil {
			h.done.ActiveConnections.Dec()
		}
	}()
	h.inner.Serve(ctx)
}

// Run starts the listener and the configured engine, and blocks until
// ctx is canceled or the engine's accept loop fails.
func (p *Proxy) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", p.cfg.Addr())
	if err != nil {
		return fmt.Errorf("httprelay: listen: %w", err)
	}

	if err := p.engine.Start(l, p.newHandler()); err != nil {
		l.Close()
		return fmt.Errorf("httprelay: starting %s engine: %w", p.cfg.Engine, err)
	}

	p.log.Process(fmt.Sprintf("httprelay listening on %s (engine=%s)", l.Addr().String(), p.cfg.Engine))

	go func() {
		<-ctx.Done()
		p.engine.Stop()
	}()

	return p.engine.Run(ctx)
}
