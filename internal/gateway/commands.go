package gateway

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/internal/commands"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// maybeHandleCommand intercepts messages that are entirely a control
// command ("/new", "/model sonnet"). Returns true when the message was
// consumed; prompt-expanding custom commands rewrite the content and
// return false so the agent run proceeds with the expanded prompt.
func (s *Server) maybeHandleCommand(ctx context.Context, session *models.Session, msg *models.Message) bool {
	if !s.commandsReady(session, msg) {
		return false
	}

	detection := s.commandParser.Parse(msg.Content)
	if detection == nil || detection.Primary == nil || !detection.IsControlCommand {
		return false
	}

	// Only a message that is nothing but the command counts; a command
	// buried in prose goes to the agent.
	trimmed := strings.TrimSpace(msg.Content)
	if detection.Primary.StartPos != 0 || detection.Primary.EndPos != len(trimmed) {
		return false
	}

	// An unauthorized sender's command is swallowed, not executed.
	if !s.commandAllowlistAllows(msg) {
		return true
	}

	result, err := s.commandRegistry.Execute(ctx, s.buildCommandInvocation(session, msg, detection.Primary))
	if err != nil {
		s.sendImmediateReply(ctx, session, msg, "Command failed: "+err.Error())
		return true
	}
	if result == nil {
		return true
	}
	if result.Error != "" {
		s.sendImmediateReply(ctx, session, msg, result.Error)
		return true
	}
	if expand, _ := result.Data["expand_prompt"].(bool); expand && strings.TrimSpace(result.Text) != "" {
		msg.Content = result.Text
		return false
	}
	if !result.Suppress && strings.TrimSpace(result.Text) != "" {
		s.sendImmediateReply(ctx, session, msg, result.Text)
	}
	s.applyCommandActions(ctx, session, result)
	return true
}

// maybeHandleInlineCommands executes allowlisted inline commands
// embedded in a longer message and strips them from the content before
// the agent sees it.
func (s *Server) maybeHandleInlineCommands(ctx context.Context, session *models.Session, msg *models.Message) bool {
	if !s.commandsReady(session, msg) || !s.inlineAllowlistAllows(msg) {
		return false
	}

	detection := s.commandParser.Parse(msg.Content)
	if detection == nil || !detection.HasCommand {
		return false
	}

	var inline []commands.ParsedCommand
	for _, cmd := range detection.Commands {
		if cmd.Inline && s.isInlineCommandAllowed(cmd.Name) {
			inline = append(inline, cmd)
		}
	}
	if len(inline) == 0 {
		return false
	}

	for _, cmd := range inline {
		// Inline commands never take the rest of the message as args.
		cmd.Args = ""
		result, err := s.commandRegistry.Execute(ctx, s.buildCommandInvocation(session, msg, &cmd))
		if err != nil {
			s.sendImmediateReply(ctx, session, msg, "Command failed: "+err.Error())
			continue
		}
		if result == nil {
			continue
		}
		if result.Error != "" {
			s.sendImmediateReply(ctx, session, msg, result.Error)
			continue
		}
		if !result.Suppress && strings.TrimSpace(result.Text) != "" {
			s.sendImmediateReply(ctx, session, msg, result.Text)
		}
		s.applyCommandActions(ctx, session, result)
	}

	msg.Content = stripInlineCommands(msg.Content, inline)
	return true
}

func (s *Server) commandsReady(session *models.Session, msg *models.Message) bool {
	return s.commandParser != nil && s.commandRegistry != nil &&
		session != nil && msg != nil && s.commandsEnabled()
}

func (s *Server) buildCommandInvocation(session *models.Session, msg *models.Message, parsed *commands.ParsedCommand) *commands.Invocation {
	rawText := strings.TrimSpace(msg.Content)
	if parsed != nil && parsed.StartPos >= 0 && parsed.EndPos > parsed.StartPos && parsed.EndPos <= len(msg.Content) {
		rawText = strings.TrimSpace(msg.Content[parsed.StartPos:parsed.EndPos])
	}

	senderID := extractSenderID(msg)
	inv := &commands.Invocation{
		Name:       parsed.Name,
		Args:       parsed.Args,
		RawText:    rawText,
		SessionKey: session.Key,
		ChannelID:  session.ChannelID,
		UserID:     senderID,
		IsAdmin:    isAdminMessage(msg),
		Context: map[string]any{
			"session_id":     session.ID,
			"agent_id":       session.AgentID,
			"channel":        string(session.Channel),
			"channel_id":     session.ChannelID,
			"user_id":        senderID,
			"has_active_run": s.hasActiveRun(session.ID),
		},
	}

	if model := sessionModelOverride(session); model != "" {
		inv.Context["model"] = model
	}
	if s.defaultModel != "" {
		inv.Context["default_model"] = s.defaultModel
	}
	return inv
}

// applyCommandActions carries out the side effects a command requested
// through its result data: aborting the active run, resetting the
// session, or pinning a model override.
func (s *Server) applyCommandActions(ctx context.Context, session *models.Session, result *commands.Result) {
	if result == nil || result.Data == nil || session == nil {
		return
	}
	action, _ := result.Data["action"].(string)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "abort":
		s.cancelActiveRun(session.ID)

	case "new_session":
		s.cancelActiveRun(session.ID)
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger.Error("failed to reset session", "error", err)
		}
		fresh, err := s.sessions.GetOrCreate(ctx, session.Key, session.AgentID, session.Channel, session.ChannelID)
		if err != nil {
			s.logger.Error("failed to create new session", "error", err)
			return
		}
		if model, _ := result.Data["model"].(string); strings.TrimSpace(model) != "" {
			s.setSessionModel(ctx, fresh, strings.TrimSpace(model))
		}

	case "set_model":
		model, _ := result.Data["model"].(string)
		if model = strings.TrimSpace(model); model != "" {
			s.setSessionModel(ctx, session, model)
		}
	}
}

func (s *Server) setSessionModel(ctx context.Context, session *models.Session, model string) {
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata["model"] = model
	if err := s.sessions.Update(ctx, session); err != nil {
		s.logger.Error("failed to update session model", "error", err)
	}
}

func sessionModelOverride(session *models.Session) string {
	if session == nil || session.Metadata == nil {
		return ""
	}
	for _, key := range []string{"model", "model_override"} {
		if value, ok := session.Metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func extractSenderID(msg *models.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, key := range []string{"sender_id", "user_id", "from_id", "peer_id"} {
		if str, ok := msg.Metadata[key].(string); ok && strings.TrimSpace(str) != "" {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

func isAdminMessage(msg *models.Message) bool {
	if msg == nil || msg.Metadata == nil {
		return false
	}
	for _, key := range []string{"is_admin", "admin", "owner"} {
		switch typed := msg.Metadata[key].(type) {
		case bool:
			if typed {
				return true
			}
		case string:
			if strings.EqualFold(strings.TrimSpace(typed), "true") {
				return true
			}
		}
	}
	return false
}

// activeRun tracks one in-flight agent run per session. The token ties
// finishActiveRun to the run that registered it, so a run finishing
// late can't delete its successor's entry.
type activeRun struct {
	token  string
	cancel context.CancelFunc
}

func (s *Server) registerActiveRun(sessionID string, cancel context.CancelFunc) string {
	if s == nil || sessionID == "" || cancel == nil {
		return ""
	}
	token := uuid.NewString()
	s.activeRunsMu.Lock()
	defer s.activeRunsMu.Unlock()
	if s.activeRuns == nil {
		s.activeRuns = make(map[string]activeRun)
	}
	if existing, ok := s.activeRuns[sessionID]; ok && existing.cancel != nil {
		existing.cancel()
	}
	s.activeRuns[sessionID] = activeRun{token: token, cancel: cancel}
	return token
}

func (s *Server) finishActiveRun(sessionID, token string) {
	if s == nil || sessionID == "" || token == "" {
		return
	}
	s.activeRunsMu.Lock()
	defer s.activeRunsMu.Unlock()
	if current, ok := s.activeRuns[sessionID]; ok && current.token == token {
		delete(s.activeRuns, sessionID)
	}
}

func (s *Server) cancelActiveRun(sessionID string) bool {
	if s == nil || sessionID == "" {
		return false
	}
	s.activeRunsMu.Lock()
	run, ok := s.activeRuns[sessionID]
	if ok {
		delete(s.activeRuns, sessionID)
	}
	s.activeRunsMu.Unlock()

	if !ok || run.cancel == nil {
		return false
	}
	run.cancel()
	return true
}

func (s *Server) hasActiveRun(sessionID string) bool {
	if s == nil || sessionID == "" {
		return false
	}
	s.activeRunsMu.Lock()
	_, ok := s.activeRuns[sessionID]
	s.activeRunsMu.Unlock()
	return ok
}

func (s *Server) commandsEnabled() bool {
	if s == nil || s.config == nil || s.config.Commands.Enabled == nil {
		return true
	}
	return *s.config.Commands.Enabled
}

func (s *Server) commandAllowlistAllows(msg *models.Message) bool {
	if s == nil || s.config == nil || len(s.config.Commands.AllowFrom) == 0 {
		return true
	}
	return allowlistMatches(s.config.Commands.AllowFrom, msg.Channel, extractSenderID(msg))
}

// inlineAllowlistAllows is opt-in, unlike the control allowlist: inline
// execution stays off until someone is listed.
func (s *Server) inlineAllowlistAllows(msg *models.Message) bool {
	if s == nil || s.config == nil || len(s.config.Commands.InlineAllowFrom) == 0 {
		return false
	}
	return allowlistMatches(s.config.Commands.InlineAllowFrom, msg.Channel, extractSenderID(msg))
}

func (s *Server) isInlineCommandAllowed(name string) bool {
	name = normalizeCommandName(name)
	if name == "" {
		return false
	}
	allowed := s.inlineCommandsAllowlist()
	if _, ok := allowed[name]; ok {
		return true
	}
	// The name may be an alias; check the registered command's
	// canonical name too.
	if s.commandRegistry != nil {
		if cmd, ok := s.commandRegistry.Get(name); ok && cmd != nil {
			_, ok := allowed[normalizeCommandName(cmd.Name)]
			return ok
		}
	}
	return false
}

func (s *Server) inlineCommandsAllowlist() map[string]struct{} {
	allowed := make(map[string]struct{})
	if s == nil || s.config == nil {
		return allowed
	}
	entries := s.config.Commands.InlineCommands
	if len(entries) == 0 {
		entries = []string{"help", "commands", "status", "whoami", "id"}
	}
	for _, entry := range entries {
		if name := normalizeCommandName(entry); name != "" {
			allowed[name] = struct{}{}
		}
	}
	return allowed
}

func normalizeCommandName(value string) string {
	name := strings.TrimSpace(value)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "!")
	return strings.ToLower(strings.TrimSpace(name))
}

// stripInlineCommands removes the executed command tokens from the
// content, eating one adjacent space per removal so the remaining prose
// reads naturally.
func stripInlineCommands(content string, inline []commands.ParsedCommand) string {
	if len(inline) == 0 || content == "" {
		return content
	}
	ordered := append([]commands.ParsedCommand(nil), inline...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartPos < ordered[j].StartPos
	})

	cursor := 0
	var out strings.Builder
	for _, cmd := range ordered {
		start, end := cmd.StartPos, cmd.EndPos
		if cmd.Inline {
			// Inline removal covers just the token (and a trailing
			// colon), not the rest of the line.
			end = cmd.StartPos + len(cmd.Prefix) + len(cmd.Name)
			if end < len(content) && content[end] == ':' {
				end++
			}
		}
		if start < cursor || start < 0 || end > len(content) || end <= start {
			continue
		}
		if start > 0 && content[start-1] == ' ' {
			start--
		} else if end < len(content) && content[end] == ' ' {
			end++
		}
		if start < cursor {
			start = cursor
		}
		out.WriteString(content[cursor:start])
		cursor = end
	}
	if cursor < len(content) {
		out.WriteString(content[cursor:])
	}
	return strings.TrimSpace(out.String())
}
