package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom failed with %v", err)
	}
	if have, want := c.Addr, ":8080"; have != want {
		t.Fatalf("Addr = %q, want %q", have, want)
	}
	if have, want := c.Store, "memory"; have != want {
		t.Fatalf("Store = %q, want %q", have, want)
	}
	if have, want := len(c.Queues), 5; have != want {
		t.Fatalf("len(Queues) = %d, want %d", have, want)
	}
	if have, want := c.Queues[1], (QueueSpec{Name: "writer", Workers: 4, Concurrency: 2}); have != want {
		t.Fatalf("Queues[1] = %v, want %v", have, want)
	}
	if have, want := c.BackoffDelay, 2*time.Second; have != want {
		t.Fatalf("BackoffDelay = %v, want %v", have, want)
	}
	if have, want := c.RetentionDays, 30; have != want {
		t.Fatalf("RetentionDays = %d, want %d", have, want)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	c, err := LoadFrom(map[string]string{
		"JOBQUEUE_ADDR":           "127.0.0.1:9000",
		"JOBQUEUE_STORE":          "sqlite",
		"JOBQUEUE_DSN":            "/tmp/jobs.db",
		"JOBQUEUE_QUEUES":         "writer:3:5,editor",
		"JOBQUEUE_TIMEOUT":        "90s",
		"JOBQUEUE_COSTS":          "write-chapter:0.12,edit-chapter:0.05",
		"JOBQUEUE_WEBHOOK_URL":    "http://localhost:9999/hook",
		"JOBQUEUE_RETENTION_DAYS": "7",
	})
	if err != nil {
		t.Fatalf("LoadFrom failed with %v", err)
	}
	if have, want := c.Addr, "127.0.0.1:9000"; have != want {
		t.Fatalf("Addr = %q, want %q", have, want)
	}
	if have, want := c.DSN, "/tmp/jobs.db"; have != want {
		t.Fatalf("DSN = %q, want %q", have, want)
	}
	want := []QueueSpec{
		{Name: "writer", Workers: 3, Concurrency: 5},
		{Name: "editor", Workers: 1, Concurrency: 1},
	}
	if have := c.Queues; len(have) != len(want) || have[0] != want[0] || have[1] != want[1] {
		t.Fatalf("Queues = %v, want %v", have, want)
	}
	if have, want := c.Timeout, 90*time.Second; have != want {
		t.Fatalf("Timeout = %v, want %v", have, want)
	}
	if have, want := c.Costs["write-chapter"], 0.12; have != want {
		t.Fatalf("Costs[write-chapter] = %v, want %v", have, want)
	}
	if have, want := c.RetentionDays, 7; have != want {
		t.Fatalf("RetentionDays = %d, want %d", have, want)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		Name    string
		Environ map[string]string
		Err     string
	}{
		{"UnknownStore", map[string]string{"JOBQUEUE_STORE": "cassandra"}, "unknown store"},
		{"MissingDSN", map[string]string{"JOBQUEUE_STORE": "postgres"}, "needs JOBQUEUE_DSN"},
		{"InvalidQueue", map[string]string{"JOBQUEUE_QUEUES": "writer:many"}, "invalid number of workers"},
		{"InvalidConcurrency", map[string]string{"JOBQUEUE_QUEUES": "writer:1:0"}, "invalid concurrency"},
		{"DuplicateQueue", map[string]string{"JOBQUEUE_QUEUES": "writer,writer:2"}, "configured twice"},
		{"UnknownBackoff", map[string]string{"JOBQUEUE_BACKOFF_TYPE": "linear"}, "unknown backoff type"},
		{"InvalidDuration", map[string]string{"JOBQUEUE_TIMEOUT": "soon"}, "Timeout"},
		{"FailureRate", map[string]string{"JOBQUEUE_FAILURE_RATE": "1.5"}, "failure rate"},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			_, err := LoadFrom(tt.Environ)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.Err) {
				t.Fatalf("err = %q, want it to contain %q", err, tt.Err)
			}
		})
	}
}

func TestQueueSpecString(t *testing.T) {
	var q QueueSpec
	if err := q.UnmarshalText([]byte("research:2:4")); err != nil {
		t.Fatalf("UnmarshalText failed with %v", err)
	}
	if have, want := q.String(), "research:2:4"; have != want {
		t.Fatalf("String() = %q, want %q", have, want)
	}
}
