package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"fftnano/internal/adapters/telegram"
	"fftnano/internal/config"
	"fftnano/internal/group"
	"fftnano/internal/ipc"
	"fftnano/internal/runtime/supervisor"
	"fftnano/internal/sandbox"
	"fftnano/internal/scheduler"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, rootLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	cfgMgr.SetLogger(rootLog.With(logx.String("svc", "config")))

	log := rootLog.With(logx.String("svc", "main"))
	log.Info("starting fftnano",
		logx.String("config", cfgPath),
		logx.String("data_dir", cfg.DataDir))

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.StorageBusyTimeout(),
	}, rootLog.With(logx.String("svc", "store")))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer st.Close()

	groups := group.NewRegistry(cfg.GroupsRegistryPath(), rootLog.With(logx.String("svc", "groups")))
	if err := groups.Load(); err != nil {
		return fmt.Errorf("load group registry: %w", err)
	}

	runtime, err := sandbox.DetectRuntime(cfg.Container.Runtime)
	if err != nil {
		return fmt.Errorf("detect container runtime: %w", err)
	}
	log.Info("container runtime selected", logx.String("runtime", string(runtime)))

	verbose := cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace"
	runner := sandbox.NewRunner(sandbox.Config{
		ProjectRoot:      cfg.ProjectRoot,
		DataDir:          cfg.DataDir,
		GroupsDir:        cfg.GroupsDir,
		MainWorkspaceDir: cfg.MainWorkspaceDir,
		AllowlistPath:    cfg.MountAllowlistPath,
		Image:            cfg.Container.Image,
		Runtime:          runtime,
		Timeout:          cfg.ContainerTimeout(),
		MaxOutputBytes:   cfg.Container.MaxOutputBytes,
		Verbose:          verbose,
	}, rootLog.With(logx.String("svc", "sandbox")))

	var sender *telegram.Sender
	if cfg.Telegram.Enabled {
		sender, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token},
			rootLog.With(logx.String("svc", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	} else {
		log.Warn("telegram disabled, announce delivery is unavailable")
	}

	snapshots := ipc.NewSnapshots(cfg.DataDir)

	wake := func(reason string) {
		// Heartbeat scheduling lives with the assistant runtime; here the
		// request is surfaced for whoever consumes the logs.
		log.Info("heartbeat wake requested", logx.String("reason", reason))
	}

	var chatSender scheduler.ChatSender
	var ipcSender ipc.ChatSender
	if sender != nil {
		chatSender = sender
		ipcSender = sender
	}

	sched := scheduler.New(scheduler.Config{
		IdlePoll:      cfg.SchedulerIdlePoll(),
		MaxTimerDelay: cfg.SchedulerMaxTimerDelay(),
		Location:      cfg.Location(),
	}, st, groups, runner, chatSender, wake, snapshots,
		rootLog.With(logx.String("svc", "scheduler")))

	consumer := ipc.NewConsumer(ipc.Config{
		DataDir:       cfg.DataDir,
		PollInterval:  cfg.IPCPollInterval(),
		AssistantName: cfg.AssistantName,
		Location:      cfg.Location(),
	}, st, groups, ipcSender, sched.Kick, snapshots,
		rootLog.With(logx.String("svc", "ipc")))

	sup := supervisor.New(ctx, rootLog.With(logx.String("svc", "supervisor")))

	schedulerEnabled := cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled
	if schedulerEnabled {
		sup.Go("scheduler", sched.Run)
	} else {
		log.Warn("scheduler disabled by config")
	}
	sup.GoRestart("ipc-consumer", consumer.Run)
	sup.GoRestart("config-watch", cfgMgr.Watch)

	// Logging config is hot-reloadable; everything else needs a restart.
	updates := cfgMgr.Subscribe(1)
	defer cfgMgr.Unsubscribe(updates)
	sup.Go("log-reload", func(gctx context.Context) error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case next := <-updates:
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.ConsoleLogging(),
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				log.Info("logging config applied", logx.String("level", next.Logging.Level))
			}
		}
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	err = sup.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("fftnano stopped")
	return err
}
