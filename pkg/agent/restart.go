package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// restartSignalFile is where a previous process instance leaves its restart
// record before exiting for a self-requested restart.
const restartSignalFile = ".restart_signal.json"

// RestartSignal is the persisted record of a self-requested restart: why it
// happened, and optionally a one-shot verification job to schedule once the
// new process is up (e.g. "confirm the MCP server installed cleanly").
type RestartSignal struct {
	Reason    string            `json:"reason"`
	VerifyJob *RestartVerifyJob `json:"verify_job,omitempty"`
}

// RestartVerifyJob describes the verification to schedule after a restart.
// AtTime is RFC3339.
type RestartVerifyJob struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	AtTime  string `json:"at_time"`
}

// VerifyScheduler is the slice of the cron service the restart check needs.
type VerifyScheduler interface {
	AddJob(name string, schedule cron.CronSchedule, message string, deliver bool, channel, to string) (*cron.CronJob, error)
}

// CheckRestartSignal looks for a persisted restart signal in the workspace,
// clears it, and schedules the verification job (if one is present and a
// scheduler is available). Absence of the signal is a no-op. A malformed
// signal is logged and discarded, never fatal: a half-written file from a
// crashed predecessor must not keep the new process from starting.
func CheckRestartSignal(workspace string, scheduler VerifyScheduler) {
	path := filepath.Join(workspace, restartSignalFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	// Clear first so a malformed signal can't wedge every future start.
	if err := os.Remove(path); err != nil {
		logger.WarnCF("agent", "failed to clear restart signal", map[string]interface{}{"error": err.Error()})
	}

	var sig RestartSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		logger.WarnCF("agent", "malformed restart signal, ignoring",
			map[string]interface{}{"path": path, "error": err.Error()})
		return
	}

	logger.InfoCF("agent", "restart signal detected", map[string]interface{}{"reason": sig.Reason})

	if sig.VerifyJob == nil || scheduler == nil {
		return
	}

	at, err := time.Parse(time.RFC3339, sig.VerifyJob.AtTime)
	if err != nil {
		logger.WarnCF("agent", "restart verify job has unparseable at_time, skipping",
			map[string]interface{}{"at_time": sig.VerifyJob.AtTime, "error": err.Error()})
		return
	}

	atMS := at.UnixMilli()
	name := sig.VerifyJob.Name
	if name == "" {
		name = "restart_verify"
	}
	message := sig.VerifyJob.Message
	if message == "" {
		message = "Verify the restart completed cleanly."
	}

	_, err = scheduler.AddJob(name, cron.CronSchedule{Kind: "at", AtMS: &atMS},
		message, sig.VerifyJob.Deliver, sig.VerifyJob.Channel, sig.VerifyJob.To)
	if err != nil {
		logger.WarnCF("agent", "failed to schedule restart verify job", map[string]interface{}{"error": err.Error()})
		return
	}
	logger.InfoCF("agent", "scheduled restart verification job", map[string]interface{}{"name": name})
}
