package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"golang.org/x/sys/unix"
)

// WorkerFDEnv names the environment variable main sets on a re-exec'd
// worker process to tell it a connection (or listening socket) file
// descriptor has been passed through ExtraFiles at fd 3.
const WorkerFDEnv = "HTTPRELAY_WORKER_FD"

// connFile duplicates conn's underlying file descriptor so it can be
// handed to a child process via exec.Cmd.ExtraFiles. Only *net.TCPConn
// supports this; any other net.Conn (e.g. in tests) returns an error,
// on which ForkPerConn serves the connection in-process instead.
func connFile(conn net.Conn) (*os.File, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("engine: connection of type %T cannot be passed to a worker process", conn)
	}
	return tc.File()
}

// RunWorker checks whether the current process was re-exec'd as a
// worker (WorkerFDEnv set). If so, it runs either as a ForkPerConn
// one-shot worker (a single connection waiting at fd 3) or, when
// scoreboardPipeEnv is also set, as a Scoreboard pool worker (a shared
// listening socket at fd 3, status pipe at fd 4, served until killed
// or until max_requests_per_child is reached).
// It returns true so main can exit immediately once the worker role
// finishes. If neither env var is set, RunWorker returns false and
// does nothing, so the same main binary doubles as the listening
// process and every forked worker (the re-exec design in DESIGN.md).
func RunWorker(newHandler HandlerFunc) (ran bool, err error) {
	if os.Getenv(WorkerFDEnv) == "" {
		return false, nil
	}

	if os.Getenv(scoreboardPipeEnv) != "" {
		return true, runScoreboardWorker(newHandler)
	}

	f := os.NewFile(3, "httprelay-worker-conn")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return true, fmt.Errorf("engine: worker: %w", err)
	}

	newHandler(conn).Serve(context.Background())
	return true, nil
}

// runScoreboardWorker accepts connections from the shared listening
// socket at fd 3 until the process is killed by its parent or it has
// served max_requests_per_child connections, reporting coarse status
// to the pipe at fd 4 between connections.
//
// Workers reset every signal to its default disposition: a worker
// inherits the blocked/ignored signal mask the re-exec'd parent
// process had, but needs SIGTERM/SIGINT to tear it down the same way
// they tear down the parent (§4.G).
func runScoreboardWorker(newHandler HandlerFunc) error {
	signal.Reset()

	lf := os.NewFile(3, "httprelay-worker-listener")
	fd := int(lf.Fd())
	l, err := net.FileListener(lf)
	if err != nil {
		lf.Close()
		return fmt.Errorf("engine: scoreboard worker: %w", err)
	}
	defer lf.Close()

	statusW := os.NewFile(4, "httprelay-worker-status")
	defer statusW.Close()

	maxRequests, _ := strconv.Atoi(os.Getenv(maxRequestsPerChildEnv))

	pid := uint32(os.Getpid())
	ctx := context.Background()
	served := 0
	for maxRequests <= 0 || served < maxRequests {
		writeStatus(statusW, pid, statusIdle)

		// Each worker's accept is serialized by an exclusive file lock
		// held only across accept, so the shared listening socket
		// doesn't thundering-herd every idle worker awake at once.
		if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
			return fmt.Errorf("engine: scoreboard worker: flock: %w", err)
		}
		writeStatus(statusW, pid, statusAccepting)
		conn, acceptErr := l.Accept()
		unix.Flock(fd, unix.LOCK_UN)
		if acceptErr != nil {
			return nil
		}

		writeStatus(statusW, pid, statusBusy)
		newHandler(conn).Serve(ctx)
		served++
	}
	writeStatus(statusW, pid, statusExiting)
	return nil
}

func writeStatus(w *os.File, pid uint32, status byte) {
	var buf [5]byte
	buf[0] = byte(pid >> 24)
	buf[1] = byte(pid >> 16)
	buf[2] = byte(pid >> 8)
	buf[3] = byte(pid)
	buf[4] = status
	w.Write(buf[:])
}
