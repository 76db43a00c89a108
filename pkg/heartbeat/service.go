// Package heartbeat periodically nudges the agent loop with a proactive
// check-in prompt, independent of any user message or cron job, so the agent
// can notice things worth surfacing on its own (a cron job about to miss its
// window, an unread notification, an idle reminder).
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

const heartbeatPrompt = "[heartbeat] Proactively check for anything worth acting on or reporting."

// Callback runs one heartbeat and returns a human-readable summary (or an
// error, which is logged and otherwise ignored).
type Callback func(prompt string) (string, error)

// HeartbeatService owns the periodic check-in ticker.
type HeartbeatService struct {
	workspace string
	callback  Callback
	interval  time.Duration
	enabled   bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeatService constructs a service that fires callback every
// intervalMinutes once started. enabled=false makes Start a permanent no-op,
// letting callers wire the service unconditionally from config.
func NewHeartbeatService(workspace string, callback Callback, intervalMinutes int, enabled bool) *HeartbeatService {
	return &HeartbeatService{
		workspace: workspace,
		callback:  callback,
		interval:  time.Duration(intervalMinutes) * time.Minute,
		enabled:   enabled,
	}
}

// Start begins the heartbeat loop, firing once immediately and then every
// configured interval. Idempotent; safe to call again after Stop.
func (hs *HeartbeatService) Start() error {
	if !hs.enabled {
		return nil
	}
	if hs.interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", hs.interval)
	}

	hs.mu.Lock()
	if hs.running {
		hs.mu.Unlock()
		return nil
	}
	hs.running = true
	hs.stopCh = make(chan struct{})
	hs.doneCh = make(chan struct{})
	stopCh := hs.stopCh
	doneCh := hs.doneCh
	hs.mu.Unlock()

	go hs.loop(stopCh, doneCh)
	return nil
}

// Stop halts the loop. Idempotent.
func (hs *HeartbeatService) Stop() {
	hs.mu.Lock()
	if !hs.running {
		hs.mu.Unlock()
		return
	}
	hs.running = false
	stopCh := hs.stopCh
	doneCh := hs.doneCh
	hs.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (hs *HeartbeatService) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	hs.beat()

	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			hs.beat()
		}
	}
}

func (hs *HeartbeatService) beat() {
	if hs.callback == nil {
		return
	}
	result, err := hs.callback(heartbeatPrompt)
	if err != nil {
		logger.WarnCF("heartbeat", "heartbeat callback failed", map[string]interface{}{"error": err.Error()})
		return
	}
	hs.recordLastBeat(result)
}

func (hs *HeartbeatService) recordLastBeat(result string) {
	if hs.workspace == "" {
		return
	}
	path := filepath.Join(hs.workspace, "last_heartbeat.txt")
	line := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), result)
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		logger.WarnCF("heartbeat", "failed to record last heartbeat", map[string]interface{}{"error": err.Error()})
	}
}
