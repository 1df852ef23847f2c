package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c := Load()
	if c.HTTPPort != 8000 {
		t.Errorf("expected port 8000, got %d", c.HTTPPort)
	}
	if c.QueueBackend != BackendMemory {
		t.Errorf("expected memory backend, got %q", c.QueueBackend)
	}
	if c.Addr() != ":8000" {
		t.Errorf("unexpected addr %q", c.Addr())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("QUEUE_CAPACITY", "50")
	t.Setenv("JOB_TIMEOUT_GRACE", "3")
	t.Setenv("SUBMIT_RATE_LIMIT", "2.5")

	c := Load()
	if c.HTTPPort != 9090 || c.QueueCapacity != 50 {
		t.Errorf("env not applied: %+v", c)
	}
	if c.JobTimeoutGrace != 3*time.Second {
		t.Errorf("expected 3s grace, got %s", c.JobTimeoutGrace)
	}
	if c.SubmitRateLimit != 2.5 {
		t.Errorf("expected rate 2.5, got %v", c.SubmitRateLimit)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobqueue.yaml")
	data := []byte(`
node_id: grader-1
queue_backend: badger
data_dir: /var/lib/jobqueue
local_workers: 3
job_timeout: 45s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOCAL_WORKERS", "5")

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if c.NodeID != "grader-1" || c.QueueBackend != BackendBadger || c.DataDir != "/var/lib/jobqueue" {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.JobTimeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %s", c.JobTimeout)
	}
	if c.LocalWorkers != 5 {
		t.Errorf("expected env to override file, got %d", c.LocalWorkers)
	}
	if c.HTTPPort != 8000 {
		t.Errorf("expected default port kept, got %d", c.HTTPPort)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("QUEUE_BACKEND", "")
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("queue_backend: redis\n"), 0o644)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for redis without url")
	}

	os.WriteFile(path, []byte("queue_backend: kafka\n"), 0o644)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for unknown backend")
	}
}
