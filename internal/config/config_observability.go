package config

import "time"

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// CronConfig configures scheduled jobs.
type CronConfig struct {
	Enabled bool            `yaml:"enabled"`
	Jobs    []CronJobConfig `yaml:"jobs"`
}

// CronJobConfig defines a scheduled job.
type CronJobConfig struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Type     string             `yaml:"type"`
	Enabled  bool               `yaml:"enabled"`
	Schedule CronScheduleConfig `yaml:"schedule"`
	Message  *CronMessageConfig `yaml:"message,omitempty"`
	Webhook  *CronWebhookConfig `yaml:"webhook,omitempty"`
	Custom   *CronCustomConfig  `yaml:"custom,omitempty"`
	Watch    *CronWatchConfig   `yaml:"watch,omitempty"`
	Retry    CronRetryConfig    `yaml:"retry"`
}

// CronWatchConfig defines a trigger/watch job: a cron-scheduled check
// script whose exit code decides whether an agent run is queued.
type CronWatchConfig struct {
	// CheckScript is an optional path to an executable run before
	// deciding whether to trigger. No script counts as exit code 0, so
	// the default trigger_on policy always triggers.
	CheckScript string `yaml:"check_script"`

	// CheckArgs are passed to CheckScript.
	CheckArgs []string `yaml:"check_args,omitempty"`

	// CheckTimeout bounds how long the check script may run.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// Prompt is the text/template prompt assembled for the agent run.
	// It is rendered with the same data as CronMessageConfig.Template,
	// plus check_exit_code/check_stdout/check_stderr/check_timed_out.
	Prompt string `yaml:"prompt"`

	// Profile names an auth/model profile the run should use.
	Profile string `yaml:"profile,omitempty"`

	// BoardID optionally scopes the run to a task board; it is passed to
	// the watch runner. The assembled prompt carries no board-state hint.
	BoardID string `yaml:"board_id,omitempty"`

	// Timeout bounds the agent run itself.
	Timeout time.Duration `yaml:"timeout"`

	// TriggerOn names the exit-code policy deciding whether a non-failing
	// check run should queue an agent run: "zero" (default, exit code
	// must be 0), "nonzero" (any non-zero code), "any" (always trigger
	// regardless of exit code), or a literal integer (e.g. "2").
	TriggerOn string `yaml:"trigger_on,omitempty"`

	// WatchPaths lists files or directories that fire this trigger on
	// change, in addition to (or instead of) its cron schedule.
	WatchPaths []string `yaml:"watch_paths,omitempty"`
}

// CronScheduleConfig defines when a job runs.
type CronScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	At       string        `yaml:"at"`
	Timezone string        `yaml:"timezone"`
}

// CronMessageConfig defines a message job payload.
type CronMessageConfig struct {
	Channel   string         `yaml:"channel"`
	ChannelID string         `yaml:"channel_id"`
	Content   string         `yaml:"content"`
	Template  string         `yaml:"template"`
	Data      map[string]any `yaml:"data"`
	Tools     []string       `yaml:"tools,omitempty"`
}

// CronWebhookConfig defines a webhook job payload.
type CronWebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Timeout time.Duration     `yaml:"timeout"`
	Auth    *CronWebhookAuth  `yaml:"auth,omitempty"`
}

// CronWebhookAuth defines authentication for webhook jobs.
type CronWebhookAuth struct {
	Type   string `yaml:"type"`
	Token  string `yaml:"token,omitempty"`
	User   string `yaml:"user,omitempty"`
	Pass   string `yaml:"pass,omitempty"`
	Header string `yaml:"header,omitempty"`
}

// CronCustomConfig defines a custom-handler job payload.
type CronCustomConfig struct {
	Handler string         `yaml:"handler"`
	Args    map[string]any `yaml:"args"`
}

// CronRetryConfig controls retry behavior for failed jobs.
type CronRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}
