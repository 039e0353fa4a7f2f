// Package cron schedules background jobs: outbound messages, agent
// runs, webhooks, custom handlers, and the trigger/watch checks that
// queue agent runs from check-script results.
package cron

import (
	"context"
	"time"

	"github.com/stakpak-dev/runtime/internal/config"
)

// JobType selects the execution path for a job.
type JobType string

const (
	JobTypeMessage JobType = "message"
	JobTypeAgent   JobType = "agent"
	JobTypeWebhook JobType = "webhook"
	JobTypeCustom  JobType = "custom"
	JobTypeWatch   JobType = "watch"
)

// Schedule is one parsed schedule: a cron expression, a fixed interval,
// or a single absolute time.
type Schedule struct {
	Kind     string
	CronExpr string
	Every    time.Duration
	At       time.Time
	Timezone string
}

// Job is one scheduled unit of work plus its live bookkeeping (next
// fire time, last outcome, retry count). Exactly one payload pointer is
// set, matching Type.
type Job struct {
	ID       string
	Name     string
	Type     JobType
	Enabled  bool
	Schedule Schedule

	Message *config.CronMessageConfig
	Webhook *config.CronWebhookConfig
	Custom  *config.CronCustomConfig
	Watch   *config.CronWatchConfig
	Retry   config.CronRetryConfig

	NextRun    time.Time
	LastRun    time.Time
	LastError  string
	RetryCount int
}

// MessageSender delivers message-job payloads to a channel.
type MessageSender interface {
	Send(ctx context.Context, message *config.CronMessageConfig) error
}

// MessageSenderFunc adapts a function to MessageSender.
type MessageSenderFunc func(ctx context.Context, message *config.CronMessageConfig) error

func (f MessageSenderFunc) Send(ctx context.Context, message *config.CronMessageConfig) error {
	return f(ctx, message)
}

// AgentRunner starts an agent run for agent-type jobs.
type AgentRunner interface {
	Run(ctx context.Context, job *Job) error
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, job *Job) error

func (f AgentRunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// CustomHandler executes custom-type jobs registered by name.
type CustomHandler interface {
	Handle(ctx context.Context, job *Job, args map[string]any) error
}

// CustomHandlerFunc adapts a function to CustomHandler.
type CustomHandlerFunc func(ctx context.Context, job *Job, args map[string]any) error

func (f CustomHandlerFunc) Handle(ctx context.Context, job *Job, args map[string]any) error {
	return f(ctx, job, args)
}
