// Command picoclaw-core wires the orchestration engine's collaborators
// (config, LM provider, channels, cron, heartbeat) together and runs it
// either as a long-lived multi-channel agent or as an interactive REPL
// against the CLI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/sipeed/picoclaw/pkg/agent"
	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/heartbeat"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/tools"
)

func main() {
	replMode := flag.Bool("repl", false, "run an interactive REPL against the agent instead of starting channel adapters")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create LM provider: %v\n", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	loop := agent.NewAgentLoop(cfg, msgBus, provider)
	wireCron(cfg, loop, msgBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *replMode {
		runREPL(ctx, loop)
		return
	}

	manager := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, manager)

	hb := heartbeat.NewHeartbeatService(cfg.WorkspacePath(), func(prompt string) (string, error) {
		return loop.ProcessDirect(ctx, prompt, "system:heartbeat")
	}, cfg.Heartbeat.IntervalMinutes, cfg.Heartbeat.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := loop.Run(ctx); err != nil {
			logger.ErrorCF("main", "agent loop exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		logger.ErrorCF("main", "failed to start channels", map[string]interface{}{"error": err.Error()})
	}
	if err := hb.Start(); err != nil {
		logger.WarnCF("main", "heartbeat service not started", map[string]interface{}{"error": err.Error()})
	}

	info := loop.GetStartupInfo()
	logger.InfoCF("main", "picoclaw-core running", map[string]interface{}{
		"channels": manager.GetEnabledChannels(),
		"tools":    info["tools"],
	})

	<-sigCh
	logger.InfoC("main", "shutting down")

	hb.Stop()
	loop.Stop()
	cancel()
	if err := manager.StopAll(context.Background()); err != nil {
		logger.WarnCF("main", "error stopping channels", map[string]interface{}{"error": err.Error()})
	}
}

// registerChannels wires every channel whose credentials are configured.
// An adapter that fails to construct (bad token, unreachable bridge) is
// logged and skipped rather than aborting startup — the other channels and
// the CLI surface still work.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, manager *channels.Manager) {
	if cfg.Channels.Telegram.Token != "" {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		if err != nil {
			logger.WarnCF("main", "telegram channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			manager.RegisterChannel("telegram", ch)
		}
	}

	if cfg.Channels.WhatsApp.BridgeURL != "" {
		ch, err := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			logger.WarnCF("main", "whatsapp channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			manager.RegisterChannel("whatsapp", ch)
		}
	}

	if cfg.Channels.Discord.Token != "" {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, msgBus)
		if err != nil {
			logger.WarnCF("main", "discord channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			manager.RegisterChannel("discord", ch)
		}
	}

	if cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "" {
		ch, err := channels.NewSlackChannel(cfg.Channels.Slack, msgBus)
		if err != nil {
			logger.WarnCF("main", "slack channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			manager.RegisterChannel("slack", ch)
		}
	}

	if cfg.Channels.DingTalk.ClientID != "" {
		ch, err := channels.NewDingTalkChannel(cfg.Channels.DingTalk, msgBus)
		if err != nil {
			logger.WarnCF("main", "dingtalk channel disabled", map[string]interface{}{"error": err.Error()})
		} else {
			manager.RegisterChannel("dingtalk", ch)
		}
	}
}

// wireCron gives the agent its cron tool (add/list/enable/disable/remove) and starts
// the background dispatch loop that fires due jobs back through the loop's
// direct-processing entry point.
func wireCron(cfg *config.Config, loop *agent.AgentLoop, msgBus *bus.MessageBus) {
	storePath := cfg.Cron.StoragePath
	if storePath == "" {
		storePath = cfg.WorkspacePath() + "/cron/jobs.json"
	}

	var cronTool *tools.CronTool
	service := cron.NewCronService(storePath, func(job *cron.CronJob) (string, error) {
		return cronTool.ExecuteJob(context.Background(), job), nil
	})
	cronTool = tools.NewCronTool(service, loop, msgBus)
	loop.RegisterTool(cronTool)

	if err := service.Start(); err != nil {
		logger.WarnCF("main", "cron service not started", map[string]interface{}{"error": err.Error()})
	}

	// A previous instance may have restarted itself on purpose; pick up its
	// verification job now that the scheduler is running.
	agent.CheckRestartSignal(cfg.WorkspacePath(), service)
}

// runREPL implements the minimal CLI surface: process_direct(content,
// session_key="cli:direct") -> text, driven interactively.
func runREPL(ctx context.Context, loop *agent.AgentLoop) {
	rl, err := readline.New("picoclaw> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("picoclaw-core interactive mode. Type /exit to quit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}

		reply, err := loop.ProcessDirect(ctx, line, "cli:direct")
		if err != nil {
			fmt.Printf("Sorry, I encountered an error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
