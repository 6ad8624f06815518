package engine

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/httprelay/httprelay/metrics"
)

func TestStatusLabel(t *testing.T) {
	cases := map[byte]string{
		statusIdle:      "idle",
		statusAccepting: "accept",
		statusBusy:      "busy",
		statusExiting:   "idle",
	}
	for status, want := range cases {
		if got := statusLabel(status); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestProcessAliveReportsCurrentProcess(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("expected the current process to report alive")
	}
}

func TestProcessAliveReportsDeadPidFalse(t *testing.T) {
	// Spawn and wait on a trivial child so its pid is guaranteed reaped
	// and not reused by the time we probe it.
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start error: %s", err)
	}
	pid := cmd.Process.Pid
	cmd.Wait()

	if processAlive(pid) {
		t.Fatalf("expected pid %d to report dead after Wait", pid)
	}
}

func TestNewScoreboardEngineAppliesDefaults(t *testing.T) {
	e := newScoreboardEngine(10, ScoreboardOptions{})
	if e.minSpare != 1 {
		t.Fatalf("minSpare = %d, want 1", e.minSpare)
	}
	if e.maxSpare != 1 {
		t.Fatalf("maxSpare = %d, want 1", e.maxSpare)
	}
	if e.startServers != 1 {
		t.Fatalf("startServers = %d, want 1", e.startServers)
	}
	if e.verifyDelay != time.Second {
		t.Fatalf("verifyDelay = %s, want 1s", e.verifyDelay)
	}
}

func TestNewScoreboardEngineClampsMaxSpareToMinSpare(t *testing.T) {
	e := newScoreboardEngine(10, ScoreboardOptions{MinSpareServers: 5, MaxSpareServers: 2})
	if e.maxSpare != 5 {
		t.Fatalf("maxSpare = %d, want clamped to minSpare 5", e.maxSpare)
	}
}

func TestPublishGaugesReflectsWorkerStatusCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newScoreboardEngine(10, ScoreboardOptions{Metrics: m})

	e.workers[1] = &workerState{status: statusIdle}
	e.workers[2] = &workerState{status: statusIdle}
	e.workers[3] = &workerState{status: statusBusy}

	e.publishGauges()

	var g dto.Metric
	if err := m.ScoreboardWorkers.WithLabelValues("idle").Write(&g); err != nil {
		t.Fatalf("Write error: %s", err)
	}
	if g.GetGauge().GetValue() != 2 {
		t.Fatalf("idle gauge = %v, want 2", g.GetGauge().GetValue())
	}
	if err := m.ScoreboardWorkers.WithLabelValues("busy").Write(&g); err != nil {
		t.Fatalf("Write error: %s", err)
	}
	if g.GetGauge().GetValue() != 1 {
		t.Fatalf("busy gauge = %v, want 1", g.GetGauge().GetValue())
	}
}
