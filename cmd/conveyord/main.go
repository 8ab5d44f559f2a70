/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the conveyor build-orchestration daemon: a small HTTP
// surface over the workspace, token, and build-supervision components.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appforge.dev/conveyor/buildsupervisor"
	"appforge.dev/conveyor/conversation"
	"appforge.dev/conveyor/githubauth"
	"appforge.dev/conveyor/gitworkspace"
	"appforge.dev/conveyor/taskstore"
	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/chainguard-dev/terraform-infra-common/pkg/httpmetrics"
	"github.com/chainguard-dev/terraform-infra-common/pkg/profiler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
)

type config struct {
	Port        int  `env:"PORT,default=8080"`
	MetricsPort int  `env:"METRICS_PORT,default=2112"`
	EnablePprof bool `env:"ENABLE_PPROF,default=false"`

	// Workspace configuration
	ProjectRoot       string `env:"PROJECT_ROOT,required"`
	TrunkBranch       string `env:"TRUNK_BRANCH,default=main"`
	DefaultOwner      string `env:"DEFAULT_OWNER"`
	PublicURLTemplate string `env:"PUBLIC_URL_TEMPLATE"`
	CloneDisabled     bool   `env:"CLONE_DISABLED,default=false"`

	// GitHub App identity
	GitHubAppID          int64  `env:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKey     string `env:"GITHUB_PRIVATE_KEY"`
	GitHubPrivateKeyPath string `env:"GITHUB_PRIVATE_KEY_PATH"`

	// Build supervision
	BuildDriver         string        `env:"BUILD_DRIVER,default=appforge-build"`
	BuildTimeout        time.Duration `env:"BUILD_TIMEOUT,default=30m"`
	BuildHeartbeat      time.Duration `env:"BUILD_HEARTBEAT,default=60s"`
	BuildGracePeriod    time.Duration `env:"BUILD_GRACE_PERIOD,default=10s"`
	MaxConcurrentBuilds int           `env:"MAX_CONCURRENT_BUILDS,default=3"`

	ProtectedBranches []string `env:"PROTECTED_BRANCHES,default=main,master"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go httpmetrics.ScrapeDiskUsage(ctx)
	profiler.SetupProfiler()
	defer httpmetrics.SetupTracer(ctx)()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	tokens := githubauth.NewManager(githubauth.Config{
		AppID:          cfg.GitHubAppID,
		PrivateKey:     cfg.GitHubPrivateKey,
		PrivateKeyPath: cfg.GitHubPrivateKeyPath,
		ProjectRoot:    cfg.ProjectRoot,
	})

	ops := gitworkspace.NewOps(gitworkspace.Config{
		ProjectRoot:       cfg.ProjectRoot,
		TrunkBranch:       cfg.TrunkBranch,
		DefaultOwner:      cfg.DefaultOwner,
		PublicURLTemplate: cfg.PublicURLTemplate,
		InstallationID:    cfg.GitHubInstallationID,
		CloneDisabled:     cfg.CloneDisabled,
	}, tokens)

	// In-process stores back the conversation and task records; a
	// deployment with a remote entity store swaps these out behind the
	// same interfaces.
	convStore := conversation.NewMemoryStore()
	tasks := taskstore.NewMemoryStore()
	locker := conversation.NewLocker(convStore)
	tracker := buildsupervisor.NewTracker(cfg.MaxConcurrentBuilds)

	sup := buildsupervisor.New(buildsupervisor.Config{
		BuildTimeout:      cfg.BuildTimeout,
		Heartbeat:         cfg.BuildHeartbeat,
		GracePeriod:       cfg.BuildGracePeriod,
		DriverPath:        cfg.BuildDriver,
		ProtectedBranches: cfg.ProtectedBranches,
		Languages: map[string]string{
			"python": "requirements.txt",
			"node":   "package.json",
			"go":     "go.mod",
		},
	}, ops, locker, tasks, tracker)

	go serveMetrics(ctx, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newServer(sup, ops, tasks).routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	clog.InfoContextf(ctx, "Starting conveyor on port %d (clone_disabled=%v)", cfg.Port, cfg.CloneDisabled)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.FatalContextf(ctx, "server failed: %v", err)
	}
}

func serveMetrics(ctx context.Context, cfg config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.ErrorContextf(ctx, "metrics server failed: %v", err)
	}
}
