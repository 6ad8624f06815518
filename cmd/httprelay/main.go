/*
This command provides an executable version of httprelay, an
intercepting HTTP/1.x forward proxy with a pluggable filter pipeline.

For the list of command line options, run:

	httprelay -help

To see which built-in filters are available, see the
github.com/httprelay/httprelay/filters package documentation.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus"

	httprelay "github.com/httprelay/httprelay"
	"github.com/httprelay/httprelay/config"
	"github.com/httprelay/httprelay/engine"
	"github.com/httprelay/httprelay/logging"
)

func main() {
	cfg := config.New()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("httprelay: invalid configuration: %s", err)
	}

	logger := &logging.DefaultLog{}
	pipeline := httprelay.NewPipeline(cfg)

	// A re-exec'd ForkPerConn/Scoreboard worker never reaches the
	// listener below: it serves exactly the connection (or socket)
	// passed to it by its parent and exits.
	p := httprelay.New(cfg, pipeline, prometheus.DefaultRegisterer, logger)
	if ran, err := engine.RunWorker(workerHandler(p)); ran {
		if err != nil {
			log.Fatalf("httprelay: worker: %s", err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		log.Fatalf("httprelay: %s", err)
	}
}

// workerHandler exposes the same per-connection Handler construction
// path Proxy.Run uses internally, so a re-exec'd worker process serves
// a connection identically to the long-lived listening process.
func workerHandler(p *httprelay.Proxy) engine.HandlerFunc {
	return p.WorkerHandler()
}
