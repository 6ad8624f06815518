package engine

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// threadedEngine serves every connection on its own goroutine within
// the current process, bounded by a weighted semaphore standing in for
// the "max_clients" worker-count limit (§2 component G: "Threaded").
type threadedEngine struct {
	listener net.Listener
	newConn  HandlerFunc
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newThreadedEngine(maxClients int) *threadedEngine {
	if maxClients <= 0 {
		maxClients = 1
	}
	return &threadedEngine{
		sem:    semaphore.NewWeighted(int64(maxClients)),
		stopCh: make(chan struct{}),
	}
}

func (e *threadedEngine) Start(l net.Listener, newHandler HandlerFunc) error {
	e.listener = l
	e.newConn = newHandler
	return nil
}

func (e *threadedEngine) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			e.listener.Close()
		case <-e.stopCh:
			e.listener.Close()
		}
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				e.wg.Wait()
				return nil
			case <-e.stopCh:
				e.wg.Wait()
				return nil
			default:
				return err
			}
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			e.wg.Wait()
			return nil
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.newConn(conn).Serve(ctx)
		}()
	}
}

func (e *threadedEngine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	return nil
}
