// Package commands detects and routes slash commands in inbound messages.
package commands

import "context"

// Command is one registered slash command.
type Command struct {
	// Name invokes the command, without the leading slash. Custom prompt
	// commands use the "cmd:<name>" form.
	Name string `json:"name"`

	// Aliases are alternative invocation names.
	Aliases []string `json:"aliases,omitempty"`

	// Description is shown in /help.
	Description string `json:"description,omitempty"`

	// Usage shows the invocation shape, e.g. "/model [name]".
	Usage string `json:"usage,omitempty"`

	// AcceptsArgs allows trailing argument text.
	AcceptsArgs bool `json:"accepts_args"`

	// Hidden keeps the command out of /help.
	Hidden bool `json:"hidden,omitempty"`

	// AdminOnly restricts the command to admin senders.
	AdminOnly bool `json:"admin_only,omitempty"`

	// Handler executes the command.
	Handler CommandHandler `json:"-"`

	// Source says where the command came from (builtin, custom source).
	Source string `json:"source,omitempty"`

	// Category groups commands in help output.
	Category string `json:"category,omitempty"`
}

// CommandHandler executes one invocation.
type CommandHandler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is one parsed command call with its sender context.
type Invocation struct {
	Command    *Command
	Name       string
	Args       string
	RawText    string
	SessionKey string
	ChannelID  string
	UserID     string
	IsAdmin    bool
	Context    map[string]any
}

// Result is a command's outcome.
type Result struct {
	// Text is the reply to send; Suppress skips sending it.
	Text     string `json:"text,omitempty"`
	Markdown bool   `json:"markdown,omitempty"`
	Suppress bool   `json:"suppress,omitempty"`

	// Data carries structured follow-up actions for the gateway
	// (action: abort/new_session/set_model, expand_prompt, ...).
	Data map[string]any `json:"data,omitempty"`

	// Error is a user-visible failure message.
	Error string `json:"error,omitempty"`
}

// ParsedCommand is one command occurrence found in a message.
type ParsedCommand struct {
	Name   string
	Args   string
	Prefix string

	// StartPos and EndPos locate the command in the original text so
	// inline commands can be stripped out of the prompt.
	StartPos int
	EndPos   int

	// Inline marks a command embedded mid-message rather than leading it.
	Inline bool
}

// Detection is everything found in one message.
type Detection struct {
	HasCommand bool
	Commands   []ParsedCommand

	// Primary is the leading command, when the message starts with one.
	Primary *ParsedCommand

	// IsControlCommand means Primary names a registered command.
	IsControlCommand bool
}
