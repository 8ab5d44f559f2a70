/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package buildsupervisor owns the lifecycle of external build processes:
// admission, launch, output streaming, periodic checkpoint pushes, and
// time-bounded termination.
//
// One build moves through Starting -> Running -> Completed | TimedOut |
// Failed. Two activities run concurrently per build once the process is
// spawned: an output streamer feeding the task's progress log, and a
// monitor that waits on exit, heartbeats intermediate commits, and
// escalates terminate -> kill when the wall-clock budget is exhausted.
package buildsupervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"appforge.dev/conveyor/conversation"
	"appforge.dev/conveyor/gitworkspace"
	"appforge.dev/conveyor/taskstore"
	"github.com/chainguard-dev/clog"
)

// Admission errors. All are terminal for the request; none are retried
// internally.
var (
	ErrTooManyBuilds       = errors.New("build concurrency ceiling reached")
	ErrProtectedBranch     = errors.New("branch is protected")
	ErrUnknownLanguage     = errors.New("language not recognized")
	ErrNotARepository      = errors.New("workspace is not a git repository")
	ErrMissingRequirements = errors.New("requirements artifact not found")
	ErrDriverNotFound      = errors.New("build driver executable not found")
)

// Config configures a Supervisor.
type Config struct {
	// BuildTimeout is the wall-clock budget per build. Default 30m.
	BuildTimeout time.Duration

	// Heartbeat is the cadence of intermediate commit+push checkpoints
	// during a long build. Default 60s.
	Heartbeat time.Duration

	// GracePeriod is how long a terminated process gets to exit before
	// the kill escalation. Default 10s.
	GracePeriod time.Duration

	// ReadTimeout bounds each output read so a hung child never hangs
	// the streamer. Default 5s.
	ReadTimeout time.Duration

	// DriverPath is the external build command; DriverArgs its fixed
	// arguments. The request's language and prompt travel in the
	// child's environment.
	DriverPath string
	DriverArgs []string

	// ProtectedBranches can never be build targets.
	ProtectedBranches []string

	// Languages maps a recognized language to the requirements
	// artifact that must exist in the workspace (e.g. "python" ->
	// "requirements.txt").
	Languages map[string]string
}

func (c *Config) defaults() {
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 30 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
}

// Request asks for one application build.
type Request struct {
	ConversationID string
	BranchID       string
	RepositoryName string
	RepositoryURL  string
	Language       string
	Prompt         string
}

// Supervisor launches and supervises build processes.
type Supervisor struct {
	cfg     Config
	ops     *gitworkspace.Ops
	locker  *conversation.Locker
	tasks   taskstore.Store
	tracker *Tracker

	mu     sync.Mutex
	builds map[string]*build
}

// build is the in-memory state of one supervised process.
type build struct {
	taskID string
	req    Request
	pid    int

	cmd        *exec.Cmd
	stdout     *os.File
	streamDone chan struct{}
	done       chan struct{}

	unregister sync.Once
}

// New constructs a Supervisor. The conversation locker may be nil when no
// conversation store is deployed; conversation updates then become no-ops.
func New(cfg Config, ops *gitworkspace.Ops, locker *conversation.Locker, tasks taskstore.Store, tracker *Tracker) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:     cfg,
		ops:     ops,
		locker:  locker,
		tasks:   tasks,
		tracker: tracker,
		builds:  make(map[string]*build),
	}
}

// StartBuild validates admission, spawns the build driver in the
// workspace, registers it, creates a running task record, and returns.
// The build continues in the background; Wait observes its completion.
func (s *Supervisor) StartBuild(ctx context.Context, req Request) (string, int, error) {
	log := clog.FromContext(ctx).With("branch_id", req.BranchID).With("repo", req.RepositoryName)

	dir, err := s.admit(req)
	if err != nil {
		return "", 0, err
	}

	cmd := exec.Command(s.cfg.DriverPath, s.cfg.DriverArgs...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"CONVEYOR_LANGUAGE="+req.Language,
		"CONVEYOR_BRANCH="+req.BranchID,
		"CONVEYOR_PROMPT="+req.Prompt,
	)

	pr, pw, err := os.Pipe()
	if err != nil {
		return "", 0, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return "", 0, fmt.Errorf("starting build driver: %w", err)
	}
	// The child holds the write end now.
	pw.Close()

	pid := cmd.Process.Pid
	s.tracker.RegisterProcess(pid, ProcessInfo{
		ConversationID: req.ConversationID,
		StartedAt:      time.Now(),
	})

	taskID, err := s.tasks.CreateTask(ctx, map[string]any{
		"conversation_id": req.ConversationID,
		"branch_id":       req.BranchID,
		"repository":      req.RepositoryName,
		"language":        req.Language,
	})
	if err != nil {
		// The process is already running; supervise it anyway so it
		// cannot leak, but surface the tracking failure.
		log.Warnf("Creating task record failed: %v", err)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		s.tracker.UnregisterProcess(pid)
		pr.Close()
		return "", 0, fmt.Errorf("creating task record: %w", err)
	}
	if err := s.tasks.UpdateTaskStatus(ctx, taskID, taskstore.StatusRunning); err != nil {
		log.Warnf("Marking task running failed: %v", err)
	}

	b := &build{
		taskID:     taskID,
		req:        req,
		pid:        pid,
		cmd:        cmd,
		stdout:     pr,
		streamDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.builds[taskID] = b
	s.mu.Unlock()

	// Record the task against the conversation. Lock contention here
	// degrades metadata freshness only; it never fails the build.
	s.updateConversation(ctx, req.ConversationID, func(rec *conversation.Record) {
		rec.AppendBackgroundTask(taskID)
		rec.RepositoryName = req.RepositoryName
		rec.RepositoryBranch = req.BranchID
		if req.RepositoryURL != "" {
			rec.RepositoryURL = req.RepositoryURL
		}
		rec.SetWorkflowValue("build_language", req.Language)
		rec.SetWorkflowValue("build_task_id", taskID)
	})

	// Detach supervision from the request's cancellation: the build
	// outlives the call that started it.
	bg := context.WithoutCancel(ctx)
	go s.stream(bg, b)
	go s.monitor(bg, b)

	log.With("task_id", taskID).With("pid", pid).Info("Build started")
	return taskID, pid, nil
}

// Wait returns a channel closed when the build's supervision has fully
// finished (final push done, task status recorded, pid unregistered).
// Unknown task ids get an already-closed channel.
func (s *Supervisor) Wait(taskID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builds[taskID]; ok {
		return b.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// admit enforces the preconditions for starting a build and returns the
// workspace directory.
func (s *Supervisor) admit(req Request) (string, error) {
	if !s.tracker.CanStartProcess() {
		return "", fmt.Errorf("admitting build for %s: %w", req.BranchID, ErrTooManyBuilds)
	}
	for _, protected := range s.cfg.ProtectedBranches {
		if strings.EqualFold(protected, req.BranchID) {
			return "", fmt.Errorf("admitting build for %s: %w", req.BranchID, ErrProtectedBranch)
		}
	}
	artifact, ok := s.cfg.Languages[req.Language]
	if !ok {
		return "", fmt.Errorf("admitting build for language %q: %w", req.Language, ErrUnknownLanguage)
	}

	dir := s.ops.Dir(req.BranchID, req.RepositoryName)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("admitting build in %s: %w", dir, ErrNotARepository)
	}
	if _, err := os.Stat(filepath.Join(dir, artifact)); err != nil {
		return "", fmt.Errorf("admitting build in %s (%s): %w", dir, artifact, ErrMissingRequirements)
	}

	driver := s.cfg.DriverPath
	if strings.ContainsRune(driver, os.PathSeparator) {
		if info, err := os.Stat(driver); err != nil || info.IsDir() {
			return "", fmt.Errorf("admitting build with driver %s: %w", driver, ErrDriverNotFound)
		}
	} else if _, err := exec.LookPath(driver); err != nil {
		return "", fmt.Errorf("admitting build with driver %s: %w", driver, ErrDriverNotFound)
	}

	return dir, nil
}

// stream reads the child's combined output in bounded chunks and folds
// it into the task's progress log. A read timeout only flushes what has
// accumulated; it is never fatal.
func (s *Supervisor) stream(ctx context.Context, b *build) {
	defer close(b.streamDone)

	chunks := make(chan string)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := b.stdout.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	var pending strings.Builder
	flush := func() {
		if pending.Len() == 0 {
			return
		}
		if err := s.tasks.AddProgressUpdate(ctx, b.taskID, pending.String()); err != nil {
			clog.FromContext(ctx).With("task_id", b.taskID).Warnf("Recording progress failed: %v", err)
		}
		pending.Reset()
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				flush()
				return
			}
			pending.WriteString(chunk)
			if pending.Len() >= 4096 {
				flush()
			}
		case <-time.After(s.cfg.ReadTimeout):
			flush()
		}
	}
}

// monitor waits for exit, heartbeats checkpoints, and enforces the build
// budget.
func (s *Supervisor) monitor(ctx context.Context, b *build) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- b.cmd.Wait() }()

	timeout := time.NewTimer(s.cfg.BuildTimeout)
	defer timeout.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-waitErr:
			s.finish(ctx, b, err)
			return
		case <-heartbeat.C:
			s.checkpoint(ctx, b)
		case <-timeout.C:
			s.terminate(ctx, b, waitErr)
			return
		}
	}
}

// checkpoint commits and pushes partial work so a supervisor crash loses
// at most one interval.
func (s *Supervisor) checkpoint(ctx context.Context, b *build) {
	log := clog.FromContext(ctx).With("task_id", b.taskID)

	res, err := s.ops.Push(ctx, b.req.BranchID, b.req.RepositoryName, []string{"."}, "Checkpoint build progress", s.pushOpts(b)...)
	switch {
	case err != nil:
		log.Warnf("Checkpoint push errored: %v", err)
	case !res.Success:
		log.Warnf("Checkpoint push failed: %s (%s)", res.Message, strings.TrimSpace(res.Err))
	case res.Committed && !res.Pushed:
		log.Warnf("Checkpoint committed locally only: %s", strings.TrimSpace(res.Err))
	default:
		log.Debugf("Checkpoint: %s", res.Message)
	}
}

// finish handles a process that exited on its own.
func (s *Supervisor) finish(ctx context.Context, b *build, waitErr error) {
	log := clog.FromContext(ctx).With("task_id", b.taskID).With("pid", b.pid)

	s.drainStream(b)
	s.finalPush(ctx, b)

	status := taskstore.StatusCompleted
	outcome := "success"
	note := "Build completed"
	if waitErr != nil {
		status = taskstore.StatusFailed
		outcome = "failed"
		note = fmt.Sprintf("Build failed: %v", waitErr)
	}
	if err := s.tasks.AddProgressUpdate(ctx, b.taskID, note); err != nil {
		log.Warnf("Recording final progress failed: %v", err)
	}
	if err := s.tasks.UpdateTaskStatus(ctx, b.taskID, status); err != nil {
		log.Warnf("Recording final status failed: %v", err)
	}

	s.updateConversation(ctx, b.req.ConversationID, func(rec *conversation.Record) {
		rec.SetWorkflowValue("build_status", string(status))
	})

	s.release(b, outcome)
	log.Infof("Build finished: %s", status)
}

// terminate escalates a build that exhausted its budget: terminate, wait
// out the grace period, then kill. A process already gone at either step
// is fine.
func (s *Supervisor) terminate(ctx context.Context, b *build, waitErr chan error) {
	log := clog.FromContext(ctx).With("task_id", b.taskID).With("pid", b.pid)
	log.Warnf("Build exceeded %v, terminating", s.cfg.BuildTimeout)

	if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warnf("Terminate signal failed: %v", err)
	}

	select {
	case <-waitErr:
	case <-time.After(s.cfg.GracePeriod):
		if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warnf("Kill signal failed: %v", err)
		}
		<-waitErr
	}

	s.drainStream(b)
	// Partial work should not be lost to a timeout.
	s.finalPush(ctx, b)

	reason := fmt.Sprintf("Build timed out after %v", s.cfg.BuildTimeout)
	if err := s.tasks.AddProgressUpdate(ctx, b.taskID, reason); err != nil {
		log.Warnf("Recording timeout progress failed: %v", err)
	}
	if err := s.tasks.UpdateTaskStatus(ctx, b.taskID, taskstore.StatusFailed); err != nil {
		log.Warnf("Recording timeout status failed: %v", err)
	}

	s.updateConversation(ctx, b.req.ConversationID, func(rec *conversation.Record) {
		rec.SetWorkflowValue("build_status", "timed_out")
	})

	s.release(b, "timeout")
	log.Warn("Build terminated")
}

// drainStream waits for the streamer to see EOF, forcing the pipe closed
// if something downstream of the child still holds the write end open.
func (s *Supervisor) drainStream(b *build) {
	select {
	case <-b.streamDone:
	case <-time.After(s.cfg.ReadTimeout):
		b.stdout.Close()
		<-b.streamDone
	}
}

// finalPush makes a best-effort push of whatever the build left in the
// working tree.
func (s *Supervisor) finalPush(ctx context.Context, b *build) {
	log := clog.FromContext(ctx).With("task_id", b.taskID)
	res, err := s.ops.Push(ctx, b.req.BranchID, b.req.RepositoryName, []string{"."}, "Build output", s.pushOpts(b)...)
	switch {
	case err != nil:
		log.Warnf("Final push errored: %v", err)
	case !res.Success:
		log.Warnf("Final push failed: %s (%s)", res.Message, strings.TrimSpace(res.Err))
	}
}

// release unregisters the pid exactly once and closes the build's done
// channel.
func (s *Supervisor) release(b *build, outcome string) {
	b.unregister.Do(func() {
		s.tracker.UnregisterProcess(b.pid)
		buildOutcomes.WithLabelValues(outcome).Inc()
		close(b.done)
	})
}

// updateConversation applies a mutation through the optimistic lock,
// degrading to a log line when the conversation cannot be updated.
func (s *Supervisor) updateConversation(ctx context.Context, conversationID string, mutate func(*conversation.Record)) {
	if s.locker == nil || conversationID == "" {
		return
	}
	if !s.locker.UpdateWithLock(ctx, conversationID, mutate) {
		clog.FromContext(ctx).With("conversation_id", conversationID).
			Warn("Conversation update failed; build metadata may be stale")
	}
}

func (s *Supervisor) pushOpts(b *build) []gitworkspace.Option {
	if b.req.RepositoryURL == "" {
		return nil
	}
	return []gitworkspace.Option{gitworkspace.WithRepositoryURL(b.req.RepositoryURL)}
}
