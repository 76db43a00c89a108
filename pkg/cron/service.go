// Package cron implements scheduled agent wake-ups: one-shot ("at"),
// fixed-interval ("every"), and crontab-expression ("cron") jobs, persisted
// to a JSON store so schedules survive a restart.
package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// CronSchedule describes when a job fires. Exactly one of EveryMS, AtMS, or
// Expr is meaningful, selected by Kind ("every", "at", "cron").
type CronSchedule struct {
	Kind    string `json:"kind"`
	EveryMS *int64 `json:"every_ms,omitempty"`
	AtMS    *int64 `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// CronPayload is what runs when the job fires: a message for the agent loop
// to process, optionally delivered to a channel/chat afterward.
type CronPayload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronState is the job's mutable runtime bookkeeping.
type CronState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// CronJob is one scheduled entry.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	Enabled        bool         `json:"enabled"`
	DeleteAfterRun bool         `json:"delete_after_run"`
	State          CronState    `json:"state"`
}

type cronStore struct {
	Jobs []*CronJob `json:"jobs"`
}

// JobExecutor runs a due job and returns a human-readable result (or an
// error, recorded onto the job's state).
type JobExecutor func(job *CronJob) (string, error)

// CronService owns the job store and the background dispatch loop.
type CronService struct {
	mu        sync.Mutex
	storePath string
	store     *cronStore
	executor  JobExecutor
	gron      *gronx.Gronx

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCronService loads (or initializes) the job store at storePath. executor
// may be nil in tests that only exercise scheduling math.
func NewCronService(storePath string, executor JobExecutor) *CronService {
	cs := &CronService{
		storePath: storePath,
		store:     &cronStore{Jobs: []*CronJob{}},
		executor:  executor,
		gron:      gronx.New(),
	}
	cs.load()
	return cs
}

func (cs *CronService) load() {
	if cs.storePath == "" {
		return
	}
	data, err := os.ReadFile(cs.storePath)
	if err != nil {
		return
	}
	var store cronStore
	if err := json.Unmarshal(data, &store); err != nil {
		logger.WarnCF("cron", "failed to parse cron store, starting empty",
			map[string]interface{}{"path": cs.storePath, "error": err.Error()})
		return
	}
	cs.store = &store
}

func (cs *CronService) saveLocked() {
	if cs.storePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cs.storePath), 0755); err != nil {
		logger.WarnCF("cron", "failed to create store dir", map[string]interface{}{"error": err.Error()})
		return
	}
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		logger.WarnCF("cron", "failed to marshal cron store", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.WriteFile(cs.storePath, data, 0644); err != nil {
		logger.WarnCF("cron", "failed to write cron store", map[string]interface{}{"error": err.Error()})
	}
}

// AddJob creates and persists a new job.
func (cs *CronService) AddJob(name string, schedule CronSchedule, message string, deliver bool, channel, to string) (*CronJob, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now().UnixMilli()
	job := &CronJob{
		ID:             uuid.New().String(),
		Name:           name,
		Schedule:       schedule,
		Payload:        CronPayload{Message: message, Deliver: deliver, Channel: channel, To: to},
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == "at",
		State:          CronState{NextRunAtMS: cs.computeNextRun(&schedule, now)},
	}

	cs.store.Jobs = append(cs.store.Jobs, job)
	cs.saveLocked()
	return job, nil
}

// RemoveJob deletes a job by id, reporting whether it existed.
func (cs *CronService) RemoveJob(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, j := range cs.store.Jobs {
		if j.ID == id {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
			cs.saveLocked()
			return true
		}
	}
	return false
}

// EnableJob toggles a job's Enabled flag, clearing NextRunAtMS when disabled
// and recomputing it when re-enabled. Returns nil if the job does not exist.
func (cs *CronService) EnableJob(id string, enabled bool) *CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	job := cs.findLocked(id)
	if job == nil {
		return nil
	}
	job.Enabled = enabled
	if enabled {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, time.Now().UnixMilli())
	} else {
		job.State.NextRunAtMS = nil
	}
	cs.saveLocked()
	return job
}

func (cs *CronService) findLocked(id string) *CronJob {
	for _, j := range cs.store.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// ListJobs returns every job if all is true, otherwise only enabled jobs.
func (cs *CronService) ListJobs(all bool) []*CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]*CronJob, 0, len(cs.store.Jobs))
	for _, j := range cs.store.Jobs {
		if all || j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

// Status reports a small summary for diagnostics/tool output.
func (cs *CronService) Status() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return map[string]interface{}{
		"jobs":    len(cs.store.Jobs),
		"enabled": cs.running,
	}
}

// computeNextRun is the pure scheduling function: given a schedule and "now"
// in epoch milliseconds, it returns the next fire time, or nil if the job
// should not run again (invalid schedule, or a past one-shot "at").
func (cs *CronService) computeNextRun(schedule *CronSchedule, nowMS int64) *int64 {
	switch schedule.Kind {
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := nowMS + *schedule.EveryMS
		return &next

	case "at":
		if schedule.AtMS == nil || *schedule.AtMS <= nowMS {
			return nil
		}
		at := *schedule.AtMS
		return &at

	case "cron":
		if schedule.Expr == "" || !cs.gron.IsValid(schedule.Expr) {
			return nil
		}
		ref := time.UnixMilli(nowMS)
		next, err := gronx.NextTickAfter(schedule.Expr, ref, false)
		if err != nil {
			return nil
		}
		ms := next.UnixMilli()
		return &ms

	default:
		return nil
	}
}

// Start begins the dispatch loop. Idempotent: calling Start while already
// running is a no-op.
func (cs *CronService) Start() error {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return nil
	}
	cs.running = true
	cs.stopCh = make(chan struct{})
	cs.doneCh = make(chan struct{})
	stopCh := cs.stopCh
	doneCh := cs.doneCh
	cs.mu.Unlock()

	go cs.loop(stopCh, doneCh)
	return nil
}

// Stop halts the dispatch loop. Idempotent: calling Stop while already
// stopped is a no-op.
func (cs *CronService) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	stopCh := cs.stopCh
	doneCh := cs.doneCh
	cs.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (cs *CronService) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cs.tick()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			cs.tick()
		}
	}
}

func (cs *CronService) tick() {
	now := time.Now().UnixMilli()

	cs.mu.Lock()
	var due []*CronJob
	for _, j := range cs.store.Jobs {
		if j.Enabled && j.State.NextRunAtMS != nil && *j.State.NextRunAtMS <= now {
			due = append(due, j)
		}
	}
	cs.mu.Unlock()

	for _, job := range due {
		cs.runJob(job)
	}
}

func (cs *CronService) runJob(job *CronJob) {
	var result string
	var err error
	if cs.executor != nil {
		result, err = cs.executor(job)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	runAt := time.Now().UnixMilli()
	job.State.LastRunAtMS = &runAt
	if err != nil {
		job.State.LastError = err.Error()
		logger.WarnCF("cron", "job execution failed", map[string]interface{}{"job": job.Name, "error": err.Error()})
	} else {
		job.State.LastError = ""
		job.State.LastResult = result
	}

	if job.DeleteAfterRun {
		for i, j := range cs.store.Jobs {
			if j.ID == job.ID {
				cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
				break
			}
		}
	} else {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, runAt)
	}

	cs.saveLocked()
}
