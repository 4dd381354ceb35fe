package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roelfdiedericks/clawgram/internal/bridge"
	"github.com/roelfdiedericks/clawgram/internal/config"
	"github.com/roelfdiedericks/clawgram/internal/gateway"
	"github.com/roelfdiedericks/clawgram/internal/janitor"
	. "github.com/roelfdiedericks/clawgram/internal/logging"
	"github.com/roelfdiedericks/clawgram/internal/ratelimit"
	"github.com/roelfdiedericks/clawgram/internal/safety"
	"github.com/roelfdiedericks/clawgram/internal/session"
	"github.com/roelfdiedericks/clawgram/internal/telegram"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("clawgram %s\n", version)
		return
	}

	configPath := config.DefaultPath()
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		ShowCaller: cfg.Logging.ShowCaller,
	})

	L_info("clawgram %s starting", version)

	if err := cfg.Validate(); err != nil {
		L_fatal("invalid config: %v", err)
	}

	systemPrompt := ""
	if cfg.Claude.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.Claude.SystemPromptPath)
		if err != nil {
			L_fatal("failed to read system prompt: %v", err)
		}
		systemPrompt = string(data)
	}

	gate := safety.NewGate(safety.GateConfig{
		TTL:        time.Duration(cfg.Safety.ConfirmationTimeoutSeconds) * time.Second,
		MaxPending: cfg.Safety.MaxPendingConfirmations,
	})

	sessions := session.NewStore(session.StoreConfig{
		MaxPerUser:      cfg.Session.MaxPerUser,
		Expiry:          time.Duration(cfg.Session.ExpirySeconds) * time.Second,
		DefaultName:     cfg.Session.DefaultName,
		NameMaxLength:   cfg.Session.NameMaxLength,
		DefaultModel:    cfg.Claude.Model,
		EvictionEnabled: cfg.SessionEvictionEnabled(),
	})

	limiter := ratelimit.New(ratelimit.LimiterConfig{
		MaxTokens:         cfg.RateLimit.MaxTokens,
		RefillRate:        cfg.RateLimit.RefillRate,
		MaxTrackedBuckets: cfg.RateLimit.MaxTrackedBuckets,
	})

	br := bridge.New(bridge.RunnerConfig{
		Binary:            cfg.Claude.Binary,
		DefaultModel:      cfg.Claude.Model,
		WorkspaceDir:      cfg.Claude.WorkspaceDir,
		SystemPrompt:      systemPrompt,
		Timeout:           time.Duration(cfg.Claude.TimeoutSeconds) * time.Second,
		KeepaliveInterval: time.Duration(cfg.Claude.KeepaliveIntervalSeconds) * time.Second,
		MaxInputLength:    cfg.Claude.MaxMessageLength,
	})

	// Probe the backend before accepting traffic
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if ver, err := br.HealthCheck(probeCtx); err != nil {
		L_warn("backend probe failed, continuing anyway: %v", err)
	} else {
		L_info("backend ready", "version", ver)
	}
	probeCancel()

	dispatcher := gateway.New(gateway.DispatcherConfig{
		RateLimitEnabled: cfg.RateLimitEnabled(),
	}, gate, sessions, limiter, br)

	bot, err := telegram.New(cfg.Telegram, dispatcher, sessions, br)
	if err != nil {
		L_fatal("failed to create telegram bot: %v", err)
	}

	sweeper := janitor.New(janitor.SweepConfig{Interval: time.Minute}, sessions, gate, limiter)
	if err := sweeper.Start(); err != nil {
		L_fatal("failed to start janitor: %v", err)
	}

	go bot.Start()
	L_info("clawgram ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	L_info("shutting down", "signal", sig.String())
	SetShuttingDown()

	bot.Stop()
	sweeper.Stop()
	L_info("clawgram stopped")
}
