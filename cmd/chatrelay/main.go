package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatrelay/chatrelay/internal/bot"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/convo"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/keyring"
	"github.com/chatrelay/chatrelay/internal/llm"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
	"github.com/chatrelay/chatrelay/internal/trigger"
)

const version = "1.1.0"

func main() {
	configPath := flag.String("config", "chatrelay.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatrelay %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}

	Init(ParseLevel(cfg.LogLevel))
	L_info("chatrelay %s starting", version)

	if !cfg.HasUsableKeys() {
		L_warn("no API keys configured - chat turns will fail until keys are added")
	}
	L_info("config loaded",
		"personas", len(cfg.Personas),
		"keys", len(cfg.APIKeys),
		"contextLength", cfg.ContextLength,
		"failureThreshold", cfg.MaxFailuresBeforeSwitch,
	)

	// Durable state is optional; without it everything lives in memory for
	// the lifetime of the process.
	var st *store.Store
	if cfg.EnableMemory {
		st = store.Open(filepath.Join(cfg.DataDir, "chatrelay_state.json"))
		stats := st.Stats()
		L_info("restored state", "users", stats.Users, "messages", stats.Messages, "failedKeys", stats.FailedKeys)
	} else {
		L_info("memory disabled, state will not persist")
	}

	convos := convo.NewManager(convo.Options{
		Capacity:     cfg.ContextLength,
		ShowNickname: cfg.ShowNickname,
		Personas:     cfg.Personas,
		Store:        st,
	})
	engine := keyring.New(cfg.APIKeys, cfg.MaxFailuresBeforeSwitch, st)
	dispatcher := dispatch.New(engine, llm.NewClient(cfg.API))

	tgBot, err := bot.New(cfg, convos, engine, dispatcher)
	if err != nil {
		L_fatal("failed to start telegram bot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily failure-counter sweep at 01:00.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("0 1 * * *", engine.ResetAll); err != nil {
		L_fatal("failed to schedule daily key reset: %v", err)
	}
	sweeper.Start()
	L_info("scheduled daily key failure reset", "at", "01:00")

	if cfg.Trigger.Enabled {
		sched := trigger.New(trigger.Options{
			Platform:  bot.Platform,
			Interval:  time.Duration(cfg.Trigger.IntervalMinutes) * time.Minute,
			Message:   cfg.Trigger.Message,
			Whitelist: cfg.Trigger.Whitelist,
			Convos:    convos,
			Complete:  dispatcher.Complete,
			Deliver:   tgBot,
		})
		tgBot.SetTrigger(sched)
		go sched.Run(ctx)
	}

	go tgBot.Start()
	L_info("chatrelay ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	SetShuttingDown()
	cancel()
	sweeper.Stop()
	tgBot.Stop()
	if st != nil {
		st.Close()
	}
	L_info("chatrelay stopped")
}
