package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/cron"
)

type recordingScheduler struct {
	jobs []recordedJob
}

type recordedJob struct {
	name     string
	schedule cron.CronSchedule
	message  string
	deliver  bool
	channel  string
	to       string
}

func (s *recordingScheduler) AddJob(name string, schedule cron.CronSchedule, message string, deliver bool, channel, to string) (*cron.CronJob, error) {
	s.jobs = append(s.jobs, recordedJob{name, schedule, message, deliver, channel, to})
	return &cron.CronJob{Name: name}, nil
}

func writeRestartSignal(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, restartSignalFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write signal: %v", err)
	}
	return path
}

func TestCheckRestartSignal_AbsentIsNoop(t *testing.T) {
	sched := &recordingScheduler{}
	CheckRestartSignal(t.TempDir(), sched)
	if len(sched.jobs) != 0 {
		t.Fatal("no signal file must schedule nothing")
	}
}

func TestCheckRestartSignal_SchedulesVerifyJobAndClearsFile(t *testing.T) {
	dir := t.TempDir()
	at := time.Now().Add(2 * time.Minute).UTC().Format(time.RFC3339)
	path := writeRestartSignal(t, dir, `{
		"reason": "mcp install",
		"verify_job": {
			"name": "verify_mcp",
			"message": "Verify the MCP server installed cleanly.",
			"deliver": true,
			"channel": "telegram",
			"to": "12345",
			"at_time": "`+at+`"
		}
	}`)

	sched := &recordingScheduler{}
	CheckRestartSignal(dir, sched)

	if len(sched.jobs) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(sched.jobs))
	}
	job := sched.jobs[0]
	if job.name != "verify_mcp" || !job.deliver || job.channel != "telegram" || job.to != "12345" {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.schedule.Kind != "at" || job.schedule.AtMS == nil {
		t.Errorf("expected one-shot at schedule, got %+v", job.schedule)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("signal file must be cleared after processing")
	}
}

func TestCheckRestartSignal_MalformedLogsAndContinues(t *testing.T) {
	dir := t.TempDir()
	path := writeRestartSignal(t, dir, `{"reason": "half-writ`)

	sched := &recordingScheduler{}
	CheckRestartSignal(dir, sched)

	if len(sched.jobs) != 0 {
		t.Fatal("malformed signal must not schedule anything")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("malformed signal file must still be cleared")
	}
}

func TestCheckRestartSignal_NoSchedulerSkipsVerifyJob(t *testing.T) {
	dir := t.TempDir()
	writeRestartSignal(t, dir, `{"reason": "manual", "verify_job": {"name": "v", "message": "m", "at_time": "2026-01-02T15:04:05Z"}}`)
	// Must not panic without a scheduler.
	CheckRestartSignal(dir, nil)
}

func TestCheckRestartSignal_BadAtTimeSkipsJob(t *testing.T) {
	dir := t.TempDir()
	writeRestartSignal(t, dir, `{"reason": "manual", "verify_job": {"name": "v", "message": "m", "at_time": "next tuesday"}}`)

	sched := &recordingScheduler{}
	CheckRestartSignal(dir, sched)
	if len(sched.jobs) != 0 {
		t.Fatal("unparseable at_time must not schedule")
	}
}
