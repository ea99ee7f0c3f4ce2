package rules

import (
	"strings"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
)

// Decide reports whether msg, received in chatID, should be forwarded to the
// automation webhook. selfIDs lists every address of the linked account; a
// mentionOnly rule matches when any of them is mentioned.
//
// Decide has no side effects. Unknown modes and rules resolve to false.
func Decide(cfg *RuntimeConfig, chatID string, isGroup bool, msg *channels.IncomingMessage, selfIDs ...string) bool {
	if cfg == nil {
		return false
	}

	if isGroup {
		rule := cfg.override(chatID, true)
		if rule == RuleDefault {
			rule = cfg.Settings.GroupsDefaultRule
		}
		switch rule {
		case RuleDisabled:
			return false
		case RuleEnabled:
			return true
		case RuleMentionOnly:
			return mentioned(msg, selfIDs)
		default:
			return false
		}
	}

	rule := cfg.override(chatID, false)
	switch cfg.Settings.ContactsMode {
	case ContactsAllowlist:
		return rule == RuleEnabled
	case ContactsDenylist:
		return rule != RuleDisabled
	default:
		return false
	}
}

func mentioned(msg *channels.IncomingMessage, selfIDs []string) bool {
	if msg == nil || len(msg.Mentions) == 0 {
		return false
	}
	for _, self := range selfIDs {
		self = NormalizeID(self)
		if self == "" {
			continue
		}
		for _, m := range msg.Mentions {
			if NormalizeID(m) == self {
				return true
			}
		}
	}
	return false
}

// NormalizeID canonicalizes a chat address for comparison: the device suffix
// is dropped ("5511999:12@s.whatsapp.net" becomes "5511999@s.whatsapp.net"),
// the legacy "c.us" server maps to "s.whatsapp.net" and the result is
// lower-cased.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}

	user, server, hasServer := strings.Cut(id, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if !hasServer {
		return user
	}
	if server == "c.us" {
		server = "s.whatsapp.net"
	}
	return user + "@" + server
}
