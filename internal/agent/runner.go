// Package agent runs the external coding agent as a subprocess and
// normalizes its line-delimited JSON stdout into events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
)

var (
	// ErrTimedOut means the agent exceeded its wall-clock budget and its
	// process tree was killed.
	ErrTimedOut = errors.New("agent timed out")

	// ErrAgentStalled means stdout stayed silent past the idle budget.
	ErrAgentStalled = errors.New("agent stalled")

	// ErrAgentCrashed means the agent exited without emitting a final
	// record.
	ErrAgentCrashed = errors.New("agent crashed")
)

// termGrace is how long a terminated agent gets to exit before SIGKILL.
// Can be overridden for testing.
var termGrace = 2 * time.Second

// maxLineBytes allows for large JSON records (up to 10MB).
const maxLineBytes = 10 * 1024 * 1024

// WorktreeStatus reports uncommitted paths in a worktree.
type WorktreeStatus interface {
	Status(ctx context.Context, worktreePath string) ([]string, error)
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	WorkDir     string
	Prompt      string
	Token       string
	Owner       string
	Repo        string
	IssueNumber int
	Model       string

	// Events receives stream events as they arrive, when set. A full
	// channel drops events with a warning; live loss never fails the
	// run.
	Events chan<- Event
}

// Result is the outcome of one agent run. Run returns it non-nil even
// on error, carrying whatever output was captured.
type Result struct {
	Success       bool
	Final         *FinalResult
	Events        []Event
	ModifiedFiles []string
	SessionID     string
	Model         string
	ExecutionTime time.Duration
	Output        string
}

// Runner spawns and supervises agent subprocesses.
type Runner struct {
	cfg    config.AgentConfig
	status WorktreeStatus
	log    *logger.Logger
}

// NewRunner creates a Runner. status may be nil, in which case modified
// files are not reported.
func NewRunner(cfg config.AgentConfig, status WorktreeStatus, log *logger.Logger) *Runner {
	if cfg.Command == "" {
		cfg.Command = "claude-agent"
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 1800
	}
	if cfg.IdleTimeoutSec <= 0 {
		cfg.IdleTimeoutSec = 300
	}
	if cfg.OutputBufferCap <= 0 {
		cfg.OutputBufferCap = 2 * 1024 * 1024
	}
	return &Runner{
		cfg:    cfg,
		status: status,
		log:    log.WithFields(zap.String("component", "agent-runner")),
	}
}

// Run executes the agent in the given worktree: prompt on stdin then
// EOF, events parsed off stdout. It blocks until the agent exits or is
// killed for exceeding its wall-clock or idle budget.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Result, error) {
	parts := strings.Fields(r.cfg.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty agent command")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = r.buildEnv(req)
	cmd.Stdin = strings.NewReader(req.Prompt)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr: %w", err)
	}

	r.log.Info("starting agent",
		zap.String("command", parts[0]),
		zap.String("workdir", req.WorkDir),
		zap.String("model", req.Model))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	var (
		out      = &cappedBuffer{max: r.cfg.OutputBufferCap}
		events   []Event
		final    *FinalResult
		activity = make(chan struct{}, 1)
		procDone = make(chan struct{})
		reason   killReason
		wg       sync.WaitGroup
	)

	go r.watchdog(runCtx, ctx, cmd.Process.Pid, activity, procDone, &reason)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			touch(activity)
			out.writeLine(string(line))

			event, ok := parseEvent(line)
			if !ok {
				event = &Event{Type: EventRawLog, Content: string(line)}
			}
			if event.Type == EventFinal {
				if final != nil {
					r.log.Warn("duplicate final record ignored")
					continue
				}
				final = event.Final
			}
			events = append(events, *event)
			r.forward(req.Events, *event)
		}
		if err := scanner.Err(); err != nil {
			r.log.Debug("agent stdout read ended", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			out.writeLine("[stderr] " + line)
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(procDone)
	executionTime := time.Since(start)

	result := &Result{
		Final:         final,
		Events:        events,
		ExecutionTime: executionTime,
		Output:        out.String(),
	}
	if final != nil {
		result.Success = final.Success
		result.SessionID = final.SessionID
		result.Model = final.Model
	}
	r.collectModifiedFiles(result, req.WorkDir)

	if killErr := reason.get(); killErr != nil {
		r.log.Warn("agent killed",
			zap.Duration("execution_time", executionTime),
			zap.Error(killErr))
		return result, killErr
	}
	if final == nil {
		if waitErr != nil {
			return result, fmt.Errorf("%w: %v", ErrAgentCrashed, waitErr)
		}
		return result, fmt.Errorf("%w: exited without a final record", ErrAgentCrashed)
	}

	// final.success=false is the agent reporting failure, not an adapter
	// error.
	r.log.Info("agent finished",
		zap.Bool("success", result.Success),
		zap.Duration("execution_time", executionTime),
		zap.Int("events", len(events)))
	return result, nil
}

func (r *Runner) watchdog(runCtx, parent context.Context, pid int, activity, procDone <-chan struct{}, reason *killReason) {
	idle := time.NewTimer(r.cfg.IdleTimeout())
	defer idle.Stop()

	for {
		select {
		case <-procDone:
			return
		case <-activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.IdleTimeout())
		case <-idle.C:
			r.log.Warn("agent stdout silent past idle budget",
				zap.Duration("idle_timeout", r.cfg.IdleTimeout()))
			reason.set(ErrAgentStalled)
			r.terminate(pid, procDone)
			return
		case <-runCtx.Done():
			if parent.Err() != nil {
				reason.set(parent.Err())
			} else {
				reason.set(ErrTimedOut)
			}
			_ = killProcessGroup(pid)
			return
		}
	}
}

// terminate tries SIGTERM first and escalates to SIGKILL after the
// grace period.
func (r *Runner) terminate(pid int, procDone <-chan struct{}) {
	if err := terminateProcessGroup(pid); err != nil {
		_ = killProcessGroup(pid)
		return
	}
	select {
	case <-procDone:
	case <-time.After(termGrace):
		_ = killProcessGroup(pid)
	}
}

func (r *Runner) collectModifiedFiles(result *Result, workDir string) {
	if r.status == nil {
		return
	}
	// Post-exit inspection; the run context may already be gone.
	statusCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := r.status.Status(statusCtx, workDir)
	if err != nil {
		r.log.Debug("worktree status failed", zap.Error(err))
		return
	}
	result.ModifiedFiles = files
}

func (r *Runner) forward(ch chan<- Event, event Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		r.log.Warn("event channel full, dropping event",
			zap.String("type", string(event.Type)))
	}
}

// buildEnv gives the agent a minimal environment plus the repo context
// contract.
func (r *Runner) buildEnv(req RunRequest) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"GH_TOKEN=" + req.Token,
		"REPO_OWNER=" + req.Owner,
		"REPO_NAME=" + req.Repo,
		"ISSUE_NUMBER=" + strconv.Itoa(req.IssueNumber),
	}
	for _, key := range []string{"LANG", "TERM", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	if req.Model != "" {
		env = append(env, "AGENT_MODEL="+req.Model)
	}
	return env
}

func touch(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}

// killReason records why the agent was killed. First writer wins.
type killReason struct {
	mu  sync.Mutex
	err error
}

func (k *killReason) set(err error) {
	k.mu.Lock()
	if k.err == nil {
		k.err = err
	}
	k.mu.Unlock()
}

func (k *killReason) get() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// cappedBuffer collects output lines up to a byte cap. Past the cap the
// stream keeps flowing but nothing more is kept.
type cappedBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *cappedBuffer) writeLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len()+len(line)+1 > b.max {
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
