// Package rules decides which inbound messages are forwarded to the
// automation webhook. It holds the settings model, the pure decision
// function, the TTL cache in front of the datastore and the repository that
// loads and edits the rows.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// ContactsMode selects how direct chats are opted in.
type ContactsMode string

const (
	// ContactsAllowlist automates only contacts explicitly set to enabled.
	ContactsAllowlist ContactsMode = "allowlist"
	// ContactsDenylist automates every contact not explicitly disabled.
	ContactsDenylist ContactsMode = "denylist"
)

// Rule is an automation setting for a contact or a group.
type Rule string

const (
	RuleDefault     Rule = "default"
	RuleEnabled     Rule = "enabled"
	RuleDisabled    Rule = "disabled"
	RuleMentionOnly Rule = "mentionOnly"
)

// Valid reports whether r is one of the known rule values.
func (r Rule) Valid() bool {
	switch r {
	case RuleDefault, RuleEnabled, RuleDisabled, RuleMentionOnly:
		return true
	}
	return false
}

// ReplyDestination selects where automated replies are sent.
type ReplyDestination string

const (
	ReplySameChat       ReplyDestination = "sameChat"
	ReplyDirectToSender ReplyDestination = "directToSender"
)

// Valid reports whether d is a known destination.
func (d ReplyDestination) Valid() bool {
	return d == ReplySameChat || d == ReplyDirectToSender
}

// EntityKind distinguishes contacts from groups.
type EntityKind string

const (
	KindContact EntityKind = "contact"
	KindGroup   EntityKind = "group"
)

// Settings is the global automation configuration (singleton row).
type Settings struct {
	IgnoreFromSelf    bool             `json:"ignoreFromSelf"`
	ContactsMode      ContactsMode     `json:"contactsMode"`
	GroupsDefaultRule Rule             `json:"groupsDefaultRule"`
	ReplyDestination  ReplyDestination `json:"replyDestination"`
	ReplyPrefix       string           `json:"replyPrefix"`
}

// EntityRule is the automation override of one known contact or group.
type EntityRule struct {
	Identifier  string     `json:"identifier"`
	Kind        EntityKind `json:"kind"`
	DisplayName string     `json:"displayName"`
	Rule        Rule       `json:"rule"`
}

// RuntimeConfig is an immutable snapshot of settings and overrides read in a
// single load. Callers must not modify it.
type RuntimeConfig struct {
	Settings Settings
	Contacts map[string]EntityRule
	Groups   map[string]EntityRule
	LoadedAt time.Time
}

// override returns the rule stored for id, or RuleDefault.
func (c *RuntimeConfig) override(id string, isGroup bool) Rule {
	m := c.Contacts
	if isGroup {
		m = c.Groups
	}
	if e, ok := m[NormalizeID(id)]; ok && e.Rule != "" {
		return e.Rule
	}
	return RuleDefault
}

// ErrSettingsMissing is returned when the settings singleton row is absent.
var ErrSettingsMissing = errors.New("settings row missing")

// ConfigLoadError reports that the runtime configuration could not be loaded.
type ConfigLoadError struct {
	Err error
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("load runtime config: %v", e.Err)
}

func (e *ConfigLoadError) Unwrap() error { return e.Err }
