// Package channels defines the transport-neutral contracts between the bridge
// and a messaging session. The WhatsApp transport implements Session; the
// supervisor and the pipeline only ever see the types declared here.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Session is one connection attempt to the messaging platform. A session is
// never reused after it reports a closure; the supervisor builds a new one.
type Session interface {
	// Connect opens the socket. It returns once the handshake has started;
	// completion is reported through SessionEvent values.
	Connect(ctx context.Context) error

	// Disconnect closes the socket without reporting a logged-out closure.
	Disconnect()

	// NeedsPairing reports whether the session has no linked device yet.
	NeedsPairing() bool

	// RequestPairingCode asks the platform for a phone-number pairing code.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Receive returns the stream of inbound messages. It is closed when the
	// session disconnects.
	Receive() <-chan *IncomingMessage

	// Send sends a message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// SelfIDs returns every address the linked account answers to
	// (phone-number JID and LID when known).
	SelfIDs() []string

	// Health returns the session health status.
	Health() HealthStatus
}

// SessionEventKind identifies a lifecycle notification of a session.
type SessionEventKind string

const (
	EventConnected SessionEventKind = "connected"
	EventPaired    SessionEventKind = "paired"
	EventClosed    SessionEventKind = "closed"
)

// SessionEvent is a lifecycle notification emitted by a session.
type SessionEvent struct {
	Kind SessionEventKind

	// Reason describes why the session closed (EventClosed only).
	Reason string

	// LoggedOut marks a closure that invalidated the linked device.
	LoggedOut bool

	// Pairing carries the new device identity (EventPaired only).
	Pairing *PairingInfo
}

// PairingInfo describes a freshly linked device.
type PairingInfo struct {
	DeviceJID    string
	LID          string
	Platform     string
	BusinessName string
	PushName     string
}

// IncomingMessage represents a message received from the platform.
type IncomingMessage struct {
	// ID is the unique message identifier.
	ID string

	// ChatID is the group or DM identifier.
	ChatID string

	// From is the participant that sent a group message. Empty for DMs.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// IsFromMe marks messages sent by the linked account itself.
	IsFromMe bool

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Text is the extracted text content; empty when the message has none.
	Text string

	// Mentions lists the JIDs mentioned in the message.
	Mentions []string
}

// Sender returns the participant for groups and the chat for DMs.
func (m *IncomingMessage) Sender() string {
	if m.IsGroup && m.From != "" {
		return m.From
	}
	return m.ChatID
}

// OutgoingMessage represents a message to be sent through a session.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string
}

// HealthStatus represents the health state of a session.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrInvalidRecipient    = fmt.Errorf("invalid recipient")
)
