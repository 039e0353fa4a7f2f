package gateway

import (
	"context"
	"strings"

	"github.com/stakpak-dev/runtime/internal/policy"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Session metadata keys for per-conversation chat policies.
const (
	metaGroupActivation = "group_activation"
	metaSendPolicy      = "send_policy"
)

// maybeHandleChatPolicyCommand handles the /activation and /send chat
// policy commands, which adjust per-session behavior rather than running
// the agent.
func (s *Server) maybeHandleChatPolicyCommand(ctx context.Context, session *models.Session, msg *models.Message) bool {
	if activation := policy.ParseActivationCommand(msg.Content); activation.HasCommand {
		if activation.Mode == nil {
			current := s.groupActivationMode(session)
			s.sendImmediateReply(ctx, session, msg, "Group activation is set to: "+string(current)+". Use /activation mention or /activation always to change it.")
			return true
		}
		s.setSessionMeta(ctx, session, metaGroupActivation, string(*activation.Mode))
		s.sendImmediateReply(ctx, session, msg, "Group activation set to: "+string(*activation.Mode))
		return true
	}

	if send := policy.ParseSendPolicyCommand(msg.Content); send.HasCommand {
		switch send.Mode {
		case string(policy.SendPolicyAllow), string(policy.SendPolicyDeny):
			s.setSessionMeta(ctx, session, metaSendPolicy, send.Mode)
			s.sendImmediateReply(ctx, session, msg, "Send policy set to: "+send.Mode)
		case string(policy.SendPolicyInherit):
			s.setSessionMeta(ctx, session, metaSendPolicy, "")
			s.sendImmediateReply(ctx, session, msg, "Send policy reset to default.")
		default:
			s.sendImmediateReply(ctx, session, msg, "Send policy is: "+s.sendPolicy(session)+". Use /send allow, /send deny, or /send inherit.")
		}
		return true
	}

	return false
}

func (s *Server) setSessionMeta(ctx context.Context, session *models.Session, key, value string) {
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	if value == "" {
		delete(session.Metadata, key)
	} else {
		session.Metadata[key] = value
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		s.logger.Warn("persist session metadata", "session_id", session.ID, "key", key, "error", err)
	}
}

// groupActivationMode reads the session's activation mode; unset or
// unrecognized values default to mention-only so a newly added bot
// doesn't answer every group message.
func (s *Server) groupActivationMode(session *models.Session) policy.GroupActivationMode {
	if session.Metadata != nil {
		if raw, ok := session.Metadata[metaGroupActivation].(string); ok {
			if mode := policy.NormalizeGroupActivation(raw); mode != nil {
				return *mode
			}
		}
	}
	return policy.ActivationMention
}

// groupActivated reports whether a group message should engage the agent:
// always-mode sessions engage on everything, mention-mode sessions only
// when the message addresses the bot (a reply to it or an explicit
// mention flag from the channel adapter).
func (s *Server) groupActivated(session *models.Session, msg *models.Message) bool {
	if s.groupActivationMode(session) == policy.ActivationAlways {
		return true
	}
	if GetReplyTo(msg) != "" {
		return true
	}
	if msg.Metadata != nil {
		if mentioned, ok := msg.Metadata["mentioned"].(bool); ok && mentioned {
			return true
		}
	}
	return false
}

// sendPolicy reads the session's outbound policy: "allow" (default) or
// "deny" (agent runs but replies are suppressed).
func (s *Server) sendPolicy(session *models.Session) string {
	if session.Metadata != nil {
		if raw, ok := session.Metadata[metaSendPolicy].(string); ok {
			if override := policy.NormalizeSendPolicyOverride(raw); override != nil {
				return string(*override)
			}
		}
	}
	return string(policy.SendPolicyAllow)
}

// sendAllowed reports whether replies may be delivered for this session.
func (s *Server) sendAllowed(session *models.Session) bool {
	return !strings.EqualFold(s.sendPolicy(session), string(policy.SendPolicyDeny))
}
