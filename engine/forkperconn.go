package engine

import (
	"context"
	"net"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/semaphore"
)

// forkPerConnEngine re-execs the current binary once per accepted
// connection, passing the connection's duplicated file descriptor
// through exec.Cmd.ExtraFiles (§2 component G: "ForkPerConn"). Each
// worker process runs the full program again; main.go notices
// WorkerFDEnv via engine.RunWorker and serves exactly one connection
// before exiting, so the parent's accept loop is the only long-lived
// process. This mirrors the one-process-per-request worker MPM the
// specification describes, adapted to Go's lack of a true fork().
type forkPerConnEngine struct {
	listener   net.Listener
	newHandler HandlerFunc
	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func newForkPerConnEngine(maxClients int) *forkPerConnEngine {
	if maxClients <= 0 {
		maxClients = 1
	}
	return &forkPerConnEngine{
		sem:    semaphore.NewWeighted(int64(maxClients)),
		stopCh: make(chan struct{}),
	}
}

// Start records the listener. newHandler is unused directly by this
// engine (the worker subprocess builds its own Handler by calling
// engine.RunWorker from main), but is kept to satisfy the Engine
// interface and to support a same-process fallback when the accepted
// connection cannot be passed to a child (non-TCP listener).
func (e *forkPerConnEngine) Start(l net.Listener, newHandler HandlerFunc) error {
	e.listener = l
	e.newHandler = newHandler
	return nil
}

func (e *forkPerConnEngine) Run(ctx context.Context) error {
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
		go e.spawn(ctx, conn)
	}
}

func (e *forkPerConnEngine) spawn(ctx context.Context, conn net.Conn) {
	defer e.wg.Done()
	defer e.sem.Release(1)

	f, err := connFile(conn)
	if err != nil {
		// cannot hand this connection to a worker process (e.g. not a
		// TCP listener, as in tests); serve it in-process instead.
		e.newHandler(conn).Serve(ctx)
		return
	}
	conn.Close() // the duplicated fd keeps the socket alive for the child
	defer f.Close()

	cmd := exec.CommandContext(ctx, os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), WorkerFDEnv+"=1")
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return
	}
}

func (e *forkPerConnEngine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	return nil
}
