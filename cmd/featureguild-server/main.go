package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/featureguild/internal/approval"
	approvalrepo "github.com/kazz187/featureguild/internal/approval/repositoryimpl"
	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/janitor"
	"github.com/kazz187/featureguild/internal/lifecycle"
	"github.com/kazz187/featureguild/internal/metrics"
	"github.com/kazz187/featureguild/internal/pushnotification"
	pushsubrepo "github.com/kazz187/featureguild/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/session"
	"github.com/kazz187/featureguild/internal/task"
	taskrepo "github.com/kazz187/featureguild/internal/task/repositoryimpl"
	"github.com/kazz187/featureguild/internal/tool"
	"github.com/kazz187/featureguild/pkg/clog"
	"github.com/kazz187/featureguild/pkg/storage"

	server "github.com/kazz187/featureguild/internal"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	if err := run(env); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(env *config.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if env.ReasonerURL == "" {
		return errors.New("FEATUREGUILD_REASONER_URL is required")
	}

	// Setup storage
	var store storage.Storage
	var err error
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region, env.S3Endpoint)
		if err != nil {
			return err
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			return err
		}
	}

	var taskRepo task.Repository
	if env.StorageEnv.Type == "sqlite" {
		sqliteRepo, err := taskrepo.NewSQLiteRepository(env.SQLitePath)
		if err != nil {
			return err
		}
		defer sqliteRepo.Close()
		taskRepo = sqliteRepo
	} else {
		taskRepo = taskrepo.NewYAMLRepository(store)
	}
	approvalRepo := approvalrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	bus := eventbus.New()

	sandboxes, err := sandbox.NewManager(sandbox.Config{
		RepoPath:     env.RepoPath,
		BaseBranch:   env.BaseBranch,
		WorktreesDir: env.WorktreesDir,
		BranchPrefix: env.BranchPrefix,
		AuthorName:   env.AuthorName,
		AuthorEmail:  env.AuthorEmail,
	})
	if err != nil {
		return err
	}

	broker := approval.NewBroker(approvalRepo, bus)
	if _, err := broker.ExpireStale(ctx); err != nil {
		slog.Warn("failed to expire stale approvals", "error", err)
	}
	controller := lifecycle.NewController(taskRepo, sandboxes, bus)

	// Setup tools
	rules := tool.NewRuleSet(tool.Rules{})
	registry := tool.NewRegistry()
	registry.MustRegister(
		&tool.ReadFile{MaxBytes: env.MaxReadBytes},
		&tool.ListDirectory{},
		&tool.SearchText{MaxFileBytes: int64(env.MaxReadBytes)},
		&tool.WriteFile{},
		&tool.EditFile{},
		&tool.RunCommand{Runner: &tool.CommandRunner{
			DefaultTimeout: env.CommandTimeout,
			MaxTimeout:     env.CommandMaxTimeout,
			MaxOutputBytes: env.MaxOutputBytes,
		}},
		&tool.ListTasks{Tasks: controller},
		&tool.QueryTask{Tasks: controller},
		&tool.CreateTask{Tasks: controller},
		&tool.UpdateTask{Tasks: controller},
	)
	gateway := tool.NewGateway(registry, broker, rules)

	reasoner := session.NewRemoteReasoner(env.ReasonerURL, env.ReasonerToken, env.ReasonerTimeout)
	sessions := session.NewRegistry(gateway, reasoner, broker, bus, env.MaxRounds)
	controller.SetSessions(sessions)

	// Setup push notification
	pushSender := pushnotification.NewSender(&env.VAPIDEnv, pushSubRepo)
	pushServer := pushnotification.NewServer(&env.VAPIDEnv, pushSubRepo, pushSender)
	pushDispatcher := pushnotification.NewDispatcher(bus, pushSender)

	m := metrics.New(metrics.Gauges{
		PendingApprovals: broker.PendingCount,
		RunningSessions:  func() int { return len(sessions.Running()) },
	})

	jan, err := janitor.New(env.Schedule, controller, sandboxes, broker)
	if err != nil {
		return err
	}

	routes := []server.RouteRegistrar{
		lifecycle.NewServer(controller, sessions),
		approval.NewServer(broker),
		pushServer,
	}
	var journal *eventbus.Journal
	if env.JournalDir != "" {
		journal, err = eventbus.NewJournal(env.JournalDir)
		if err != nil {
			return err
		}
		routes = append(routes, eventbus.NewServer(journal))
	}
	srv := server.NewServer(env, m.Handler(), routes...)

	var wg conc.WaitGroup
	if env.RulesFile != "" {
		if err := tool.WatchRules(ctx, env.RulesFile, rules); err != nil {
			return err
		}
	}
	wg.Go(func() { m.Run(ctx, bus) })
	if journal != nil {
		wg.Go(func() { journal.Run(ctx, bus) })
	}
	wg.Go(func() { pushDispatcher.Start(ctx) })
	wg.Go(func() { jan.Start(ctx) })

	if err := controller.Recover(ctx); err != nil {
		slog.Error("failed to recover tasks", "error", err)
	}

	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	sessions.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}
