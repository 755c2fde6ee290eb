package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/insight-relay/internal/config"
	"github.com/nugget/insight-relay/internal/scheduler"
)

// writeTestConfig writes a valid config whose backend is baseURL and
// whose data lives in a fresh temp dir. It returns the config path.
func writeTestConfig(t *testing.T, baseURL string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
api:
  base_url: %s
  api_key: shared-secret
  timeout: 5s
recipient: "+254700000000"
timezone: Africa/Nairobi
jobs:
  - name: daily
    endpoint: /api/daily-ai/
    schedule: "30 8 * * 1-5"
  - name: weekly
    endpoint: /api/weekly-ai/
    schedule: "30 8 * * 6"
messaging:
  health_interval: 0s
data_dir: %s
log_level: debug
%s`, baseURL, filepath.Join(dir, "data"), extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing: %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: relay") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command"},
		{[]string{"--frobnicate"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"fire"}, "usage: relay fire"},
		{[]string{"fire", "daily", "weekly"}, "usage: relay fire"},
		{[]string{"-config", "/nonexistent/relay.yaml", "next"}, "config file not found"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) err = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("recipient: \"\"\n"), 0o600)

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"-config=" + path, "next"})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("err = %v, want invalid config", err)
	}
}

func TestRun_Next(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1", "")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", path, "-o", "json", "next"}); err != nil {
		t.Fatalf("next: %v", err)
	}
	var got []upcoming
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(got) != 2 || got[0].Job != "daily" || len(got[0].Next) != upcomingCount {
		t.Fatalf("upcoming = %+v", got)
	}
	for _, tm := range got[1].Next {
		if tm.Weekday() != time.Saturday {
			t.Errorf("weekly firing on %s", tm.Weekday())
		}
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config", path, "next"}); err != nil {
		t.Fatalf("next text: %v", err)
	}
	if !strings.Contains(out.String(), "daily (30 8 * * 1-5, Africa/Nairobi)") {
		t.Errorf("text output = %q", out.String())
	}
}

func TestUpcomingFirings(t *testing.T) {
	// Saturday 2026-10-17 12:00 Nairobi.
	nairobi, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	from := time.Date(2026, 10, 17, 12, 0, 0, 0, nairobi)
	jobs := []config.JobConfig{
		{Name: "daily", Schedule: "30 8 * * 1-5"},
		{Name: "london", Schedule: "0 7 * * *", Timezone: "Europe/London"},
	}

	got, err := upcomingFirings(jobs, "Africa/Nairobi", from, 2)
	if err != nil {
		t.Fatalf("upcomingFirings: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 10, 19, 8, 30, 0, 0, nairobi),
		time.Date(2026, 10, 20, 8, 30, 0, 0, nairobi),
	}
	for i, w := range want {
		if !got[0].Next[i].Equal(w) {
			t.Errorf("daily[%d] = %v, want %v", i, got[0].Next[i], w)
		}
	}
	if got[1].Timezone != "Europe/London" || got[1].Next[0].Location().String() != "Europe/London" {
		t.Errorf("per-job zone not honoured: %+v", got[1])
	}

	if _, err := upcomingFirings([]config.JobConfig{{Name: "x", Schedule: "nope"}}, "UTC", from, 1); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestRun_History(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1", "")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", path, "history"}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "no executions recorded") {
		t.Errorf("empty history output = %q", out.String())
	}

	// Record one execution directly, as a previous serve would have.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	store, err := openStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	started := time.Date(2026, 10, 19, 5, 30, 0, 0, time.UTC)
	done := started.Add(800 * time.Millisecond)
	store.CreateExecution(&scheduler.Execution{
		ID: scheduler.NewID(), Job: "daily", Trigger: scheduler.TriggerSchedule,
		ScheduledAt: started, StartedAt: &started, CompletedAt: &done,
		Status: scheduler.StatusCompleted, Result: "success",
	})
	store.Close()

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config", path, "history", "daily"}); err != nil {
		t.Fatalf("history daily: %v", err)
	}
	if !strings.Contains(out.String(), "2026-10-19 08:30 EAT") || !strings.Contains(out.String(), "completed") {
		t.Errorf("history output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-config", path, "-o", "json", "history", "weekly"}); err != nil {
		t.Fatalf("history weekly: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("weekly history = %q, want []", out.String())
	}
}
