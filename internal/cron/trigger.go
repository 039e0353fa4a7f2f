package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	safeexec "github.com/stakpak-dev/runtime/internal/exec"
)

// RunStatus is the lifecycle status of a trigger/watch run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusPaused    RunStatus = "paused"
)

// RunRecord is the history entry for one trigger/watch firing.
type RunRecord struct {
	ID          string     `json:"id"`
	TriggerName string     `json:"trigger_name"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      RunStatus  `json:"status"`

	CheckExitCode   *int   `json:"check_exit_code,omitempty"`
	CheckStdout     string `json:"check_stdout,omitempty"`
	CheckStderr     string `json:"check_stderr,omitempty"`
	CheckTimedOut   bool   `json:"check_timed_out"`
	AgentWoken      bool   `json:"agent_woken"`
	AgentSessionID  string `json:"agent_session_id,omitempty"`
	AgentCheckpoint string `json:"agent_last_checkpoint_id,omitempty"`
	AgentStdout     string `json:"agent_stdout,omitempty"`
	AgentStderr     string `json:"agent_stderr,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// RunFilter narrows RunStore.List results.
type RunFilter struct {
	TriggerName string
	Status      RunStatus
	Limit       int
	Offset      int
}

// RunStore persists trigger/watch run history.
type RunStore interface {
	Create(ctx context.Context, run *RunRecord) error
	Update(ctx context.Context, run *RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	List(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
}

// MemoryRunStore keeps trigger/watch run history in memory, newest first.
type MemoryRunStore struct {
	mu    sync.RWMutex
	runs  map[string]*RunRecord
	order []string
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*RunRecord)}
}

func cloneRun(r *RunRecord) *RunRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		clone.FinishedAt = &t
	}
	if r.CheckExitCode != nil {
		c := *r.CheckExitCode
		clone.CheckExitCode = &c
	}
	return &clone
}

// Create stores a new run record.
func (s *MemoryRunStore) Create(ctx context.Context, run *RunRecord) error {
	if run == nil {
		return errors.New("run is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append([]string{run.ID}, s.order...)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Update overwrites an existing run record.
func (s *MemoryRunStore) Update(ctx context.Context, run *RunRecord) error {
	if run == nil {
		return errors.New("run is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append([]string{run.ID}, s.order...)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns a run record by id.
func (s *MemoryRunStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

// List returns run records matching filter, newest first.
func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*RunRecord, 0)
	for _, id := range s.order {
		run, ok := s.runs[id]
		if !ok {
			continue
		}
		if filter.TriggerName != "" && run.TriggerName != filter.TriggerName {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	limit := filter.Limit
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// TriggerOnPolicy decides whether a check script's exit code should queue
// an agent run.
type TriggerOnPolicy struct {
	kind string // "zero", "nonzero", "any", "code"
	code int
}

// ParseTriggerOnPolicy parses a config.CronWatchConfig.TriggerOn value.
// An empty string defaults to "zero" (exit code must be 0).
func ParseTriggerOnPolicy(raw string) (TriggerOnPolicy, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "zero":
		return TriggerOnPolicy{kind: "zero"}, nil
	case "nonzero":
		return TriggerOnPolicy{kind: "nonzero"}, nil
	case "any":
		return TriggerOnPolicy{kind: "any"}, nil
	default:
		code, err := strconv.Atoi(raw)
		if err != nil {
			return TriggerOnPolicy{}, fmt.Errorf("invalid trigger_on %q", raw)
		}
		return TriggerOnPolicy{kind: "code", code: code}, nil
	}
}

// ShouldTrigger reports whether the given check-script exit code should
// queue an agent run under this policy.
func (p TriggerOnPolicy) ShouldTrigger(exitCode int) bool {
	switch p.kind {
	case "nonzero":
		return exitCode != 0
	case "any":
		return true
	case "code":
		return exitCode == p.code
	default: // "zero"
		return exitCode == 0
	}
}

// CheckResult is the outcome of running a trigger's check script.
type CheckResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// runCheckScript executes the configured check script with a timeout,
// capturing stdout/stderr and the exit code. A missing script is not an
// error: it counts as a run with ExitCode 0, which the default "zero"
// trigger_on policy always triggers on.
func runCheckScript(ctx context.Context, path string, args []string, timeout time.Duration) (CheckResult, error) {
	if strings.TrimSpace(path) == "" {
		return CheckResult{ExitCode: 0}, nil
	}
	// The script path and args come from config, but config files get
	// templated and copied around; refuse shell metacharacters outright
	// rather than passing them to the kernel.
	safePath, err := safeexec.SanitizeExecutableValue(path)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check script path: %w", err)
	}
	safeArgs, err := safeexec.SanitizeArguments(args)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check script args: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, safePath, safeArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if checkCtx.Err() == context.DeadlineExceeded {
		return CheckResult{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: true}, nil
	}
	if err == nil {
		return CheckResult{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CheckResult{ExitCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
	return CheckResult{}, fmt.Errorf("run check script: %w", err)
}

// AssemblePromptData is the template/hint data available to a trigger's
// prompt template, beyond the check script's own output.
type AssemblePromptData struct {
	TriggerName   string
	CheckExitCode int
	CheckStdout   string
	CheckStderr   string
	CheckTimedOut bool
	BoardHint     string
	Now           time.Time
}

// AssemblePrompt renders a trigger's prompt template, embedding the check
// script's output in a fenced block and appending an optional board-state
// hint, matching the check-script-driven prompt assembly used by the
// "watch" and "trigger fire" CLI surfaces.
func AssemblePrompt(promptTemplate string, data AssemblePromptData) (string, error) {
	tmpl, err := template.New("trigger-prompt").Option("missingkey=zero").Parse(promptTemplate)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	tplData := map[string]any{
		"trigger_name":    data.TriggerName,
		"check_exit_code": data.CheckExitCode,
		"check_stdout":    data.CheckStdout,
		"check_stderr":    data.CheckStderr,
		"check_timed_out": data.CheckTimedOut,
		"now":             data.Now,
		"date":            data.Now.Format("2006-01-02"),
		"time":            data.Now.Format("15:04"),
	}
	if err := tmpl.Execute(&buf, tplData); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	prompt := buf.String()

	if strings.TrimSpace(data.CheckStdout) != "" || strings.TrimSpace(data.CheckStderr) != "" {
		var block strings.Builder
		block.WriteString("\n\n```\n")
		if data.CheckStdout != "" {
			block.WriteString(data.CheckStdout)
			if !strings.HasSuffix(data.CheckStdout, "\n") {
				block.WriteString("\n")
			}
		}
		if data.CheckStderr != "" {
			block.WriteString("stderr:\n")
			block.WriteString(data.CheckStderr)
			if !strings.HasSuffix(data.CheckStderr, "\n") {
				block.WriteString("\n")
			}
		}
		block.WriteString("```")
		prompt += block.String()
	}
	if data.BoardHint != "" {
		prompt += "\n\n" + data.BoardHint
	}
	return prompt, nil
}

// WatchRunRequest is what a WatchRunner receives to launch an agent run
// from a triggered prompt.
type WatchRunRequest struct {
	TriggerName string
	Prompt      string
	Profile     string
	BoardID     string
	Timeout     time.Duration
}

// WatchRunResult is what the agent run produced, fed back into the
// RunRecord for history.
type WatchRunResult struct {
	SessionID    string
	CheckpointID string
	Stdout       string
	Stderr       string
}

// WatchRunner launches an agent run for a triggered watch job.
type WatchRunner interface {
	RunWatch(ctx context.Context, req WatchRunRequest) (WatchRunResult, error)
}

// WatchRunnerFunc adapts a function to a WatchRunner.
type WatchRunnerFunc func(ctx context.Context, req WatchRunRequest) (WatchRunResult, error)

// RunWatch calls the underlying function.
func (f WatchRunnerFunc) RunWatch(ctx context.Context, req WatchRunRequest) (WatchRunResult, error) {
	return f(ctx, req)
}

// WithWatchRunner configures the runner used to launch agent runs for
// triggered watch jobs.
func WithWatchRunner(runner WatchRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.watchRunner = runner
		}
	}
}

// WithRunStore configures the run-history store used for watch jobs.
func WithRunStore(store RunStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.runStore = store
		}
	}
}

// SetWatchRunner updates the watch runner after initialization.
func (s *Scheduler) SetWatchRunner(runner WatchRunner) {
	if s == nil || runner == nil {
		return
	}
	s.mu.Lock()
	s.watchRunner = runner
	s.mu.Unlock()
}

// SetRunStore updates the run-history store after initialization.
func (s *Scheduler) SetRunStore(store RunStore) {
	if s == nil || store == nil {
		return
	}
	s.mu.Lock()
	s.runStore = store
	s.mu.Unlock()
}

// RunHistory returns trigger/watch run records matching filter.
func (s *Scheduler) RunHistory(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	if s.runStore == nil {
		return nil, nil
	}
	return s.runStore.List(ctx, filter)
}

// FireTrigger runs the named watch job's check-and-trigger path outside
// its cron schedule ("trigger fire" / "watch fire"). When dryRun is true
// the check script still runs but no agent run is queued and no record is
// persisted; the assembled prompt is returned for inspection.
func (s *Scheduler) FireTrigger(ctx context.Context, name string, dryRun bool) (*RunRecord, string, error) {
	s.mu.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.Name == name || j.ID == name {
			job = j
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return nil, "", fmt.Errorf("trigger %q not found", name)
	}
	if job.Type != JobTypeWatch || job.Watch == nil {
		return nil, "", fmt.Errorf("trigger %q is not a watch job", name)
	}

	check, err := runCheckScript(ctx, job.Watch.CheckScript, job.Watch.CheckArgs, job.Watch.CheckTimeout)
	if err != nil {
		return nil, "", err
	}
	policy, err := ParseTriggerOnPolicy(job.Watch.TriggerOn)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	prompt, err := AssemblePrompt(job.Watch.Prompt, AssemblePromptData{
		TriggerName:   job.Name,
		CheckExitCode: check.ExitCode,
		CheckStdout:   check.Stdout,
		CheckStderr:   check.Stderr,
		CheckTimedOut: check.TimedOut,
		Now:           now,
	})
	if err != nil {
		return nil, "", err
	}

	if dryRun {
		return nil, prompt, nil
	}

	exitCode := check.ExitCode
	record := &RunRecord{
		ID:            uuid.NewString(),
		TriggerName:   job.Name,
		StartedAt:     now,
		Status:        RunStatusRunning,
		CheckExitCode: &exitCode,
		CheckStdout:   check.Stdout,
		CheckStderr:   check.Stderr,
		CheckTimedOut: check.TimedOut,
	}
	if s.runStore != nil {
		_ = s.runStore.Create(ctx, record)
	}

	finish := func(status RunStatus, errMsg string) (*RunRecord, string, error) {
		finished := time.Now()
		if s.now != nil {
			finished = s.now()
		}
		record.FinishedAt = &finished
		record.Status = status
		record.ErrorMessage = errMsg
		if s.runStore != nil {
			_ = s.runStore.Update(ctx, record)
		}
		if errMsg != "" {
			return record, prompt, errors.New(errMsg)
		}
		return record, prompt, nil
	}

	if check.TimedOut {
		return finish(RunStatusTimedOut, "check script timed out")
	}
	if !policy.ShouldTrigger(check.ExitCode) {
		return finish(RunStatusSkipped, "")
	}
	if s.watchRunner == nil {
		return finish(RunStatusFailed, "watch runner not configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Watch.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Watch.Timeout)
		defer cancel()
	}
	result, runErr := s.watchRunner.RunWatch(runCtx, WatchRunRequest{
		TriggerName: job.Name,
		Prompt:      prompt,
		Profile:     job.Watch.Profile,
		BoardID:     job.Watch.BoardID,
		Timeout:     job.Watch.Timeout,
	})
	record.AgentWoken = true
	record.AgentSessionID = result.SessionID
	record.AgentCheckpoint = result.CheckpointID
	record.AgentStdout = result.Stdout
	record.AgentStderr = result.Stderr
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return finish(RunStatusTimedOut, runErr.Error())
		}
		return finish(RunStatusFailed, runErr.Error())
	}
	return finish(RunStatusCompleted, "")
}

func (s *Scheduler) executeWatch(ctx context.Context, job *Job) error {
	if job.Watch == nil {
		return errors.New("missing watch payload")
	}
	_, _, err := s.FireTrigger(ctx, job.Name, false)
	return err
}
