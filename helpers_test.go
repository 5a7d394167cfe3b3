package jobqueue

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// logBuffer collects log output of concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

// newTestManager creates a manager that polls quickly and logs into the
// returned buffer. The manager is closed when the test ends.
func newTestManager(t *testing.T, options ...ManagerOption) (*Manager, *logBuffer) {
	t.Helper()
	logs := &logBuffer{}
	opts := []ManagerOption{
		SetLogger(zerolog.New(logs).Level(zerolog.DebugLevel)),
		SetPollInterval(5 * time.Millisecond),
		SetBackoffFunc(func(int) time.Duration { return time.Millisecond }),
	}
	m := New(append(opts, options...)...)
	t.Cleanup(func() {
		_ = m.CloseWithTimeout(5 * time.Second)
	})
	return m, logs
}

func mustCreateQueue(t *testing.T, m *Manager, cfg QueueConfig) *Queue {
	t.Helper()
	q, err := m.CreateQueue(cfg)
	if err != nil {
		t.Fatalf("CreateQueue failed with %v", err)
	}
	return q
}

func mustStart(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// signal returns a testing hook that sends to a buffered channel.
func signal(n int) (func(), chan struct{}) {
	c := make(chan struct{}, n)
	return func() { c <- struct{}{} }, c
}

func expect(t *testing.T, c <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(timeout):
		t.Fatalf("%s timed out", msg)
	}
}

func lookupJob(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	job, err := m.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup(%q) failed with %v", id, err)
	}
	return job
}
