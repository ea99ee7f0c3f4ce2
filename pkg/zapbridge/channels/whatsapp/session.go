package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

// ConnectionState represents the current connection state of a session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateConnected    ConnectionState = "connected"
	StateLoggedOut    ConnectionState = "logged_out"
	StateBanned       ConnectionState = "banned"
)

// Session is one whatsmeow client bound to one device. It implements
// channels.Session.
type Session struct {
	cfg      Config
	client   *whatsmeow.Client
	keys     *credstore.Store
	lids     store.LIDStore
	instance string
	notify   func(channels.SessionEvent)
	logger   *slog.Logger

	// messages is the channel for incoming messages.
	messages       chan *channels.IncomingMessage
	messagesMu     sync.RWMutex
	messagesClosed bool

	state      atomic.Value // ConnectionState
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// closeOnce makes sure exactly one EventClosed is reported.
	closeOnce sync.Once
	// stopping marks a Disconnect requested by the owner.
	stopping atomic.Bool

	// qrReady is closed when the first QR code arrives; pairing codes can
	// only be requested after that.
	qrReady     chan struct{}
	qrReadyOnce sync.Once
	pairing     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(cfg Config, device *store.Device, keys *credstore.Store, instance string, notify func(channels.SessionEvent), logger *slog.Logger) *Session {
	s := newDetachedSession(cfg, keys, instance, notify, logger)
	s.lids = device.LIDs
	s.client = whatsmeow.NewClient(device, newLogAdapter(logger, "client"))
	// Restarts are owned by the supervisor.
	s.client.EnableAutoReconnect = false
	s.client.AddEventHandler(s.handleEvent)
	return s
}

// newDetachedSession builds a session without a whatsmeow client.
func newDetachedSession(cfg Config, keys *credstore.Store, instance string, notify func(channels.SessionEvent), logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(channels.SessionEvent) {}
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 256
	}
	s := &Session{
		cfg:      cfg,
		keys:     keys,
		instance: instance,
		notify:   notify,
		logger:   logger,
		messages: make(chan *channels.IncomingMessage, cfg.MessageBuffer),
		qrReady:  make(chan struct{}),
	}
	if keys != nil {
		s.lids = newLIDStore(keys, instance)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setState(StateDisconnected)
	return s
}

// ---------- State Management ----------

func (s *Session) getState() ConnectionState {
	if v := s.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (s *Session) setState(state ConnectionState) {
	s.state.Store(state)
}

// GetState returns the current connection state.
func (s *Session) GetState() ConnectionState {
	return s.getState()
}

func (s *Session) getClientJID() string {
	if s.client != nil && s.client.Store.ID != nil {
		return s.client.Store.ID.String()
	}
	return ""
}

// ---------- channels.Session ----------

// Connect opens the websocket. Without a linked device the QR handshake is
// started and its codes are written to the configured PNG path unless a
// pairing code is requested instead.
func (s *Session) Connect(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("whatsapp: session has no client")
	}
	s.setState(StateConnecting)
	s.logger.Info("whatsapp: connecting")

	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(s.ctx)
		if err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := s.client.Connect(); err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("connecting for QR: %w", err)
		}
		s.setState(StateWaitingQR)
		go s.consumeQR(qrChan)
	} else if err := s.client.Connect(); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	s.startHealthMonitor(s.ctx, s.cfg.HealthMonitor)
	return nil
}

// consumeQR handles the QR login flow.
func (s *Session) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	attempts := 0
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			attempts++
			s.qrReadyOnce.Do(func() { close(s.qrReady) })
			if s.pairing.Load() {
				s.logger.Debug("whatsapp: QR code ignored, pairing by phone code")
				continue
			}
			s.writeQR(evt.Code, attempts)

		case "success":
			s.logger.Info("whatsapp: login successful")

		case "timeout":
			s.logger.Warn("whatsapp: QR code expired")
			s.emitClosed("qr_timeout", false)
			return

		default:
			if evt.Error != nil {
				s.logger.Error("whatsapp: QR login error", "error", evt.Error)
				s.emitClosed("qr_error: "+evt.Error.Error(), false)
				return
			}
		}
	}
}

func (s *Session) writeQR(code string, attempt int) {
	if s.cfg.QRPath == "" {
		s.logger.Info("whatsapp: QR code ready", "attempt", attempt, "code", code)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.QRPath), 0o755); err != nil {
		s.logger.Warn("whatsapp: creating QR directory failed", "error", err)
	}
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, s.cfg.QRPath); err != nil {
		s.logger.Warn("whatsapp: writing QR image failed", "error", err, "code", code)
		return
	}
	s.logger.Info("whatsapp: QR code ready, scan it with WhatsApp",
		"attempt", attempt, "path", s.cfg.QRPath)
}

// NeedsPairing reports whether the session has no linked device.
func (s *Session) NeedsPairing() bool {
	return s.client != nil && s.client.Store.ID == nil
}

// RequestPairingCode asks WhatsApp for an 8-character code that links this
// session when entered on the phone. It waits for the QR handshake to start.
func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("whatsapp: session has no client")
	}
	s.pairing.Store(true)

	timer := time.NewTimer(defaultPairTimeout)
	defer timer.Stop()
	select {
	case <-s.qrReady:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("whatsapp: timed out waiting for pairing handshake")
	}

	code, err := s.client.PairPhone(ctx, digitsOnly(phone), true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}
	s.logger.Info("whatsapp: pairing code issued", "phone", digitsOnly(phone))
	return code, nil
}

// Disconnect closes the socket and the message stream. It does not report a
// closure to the owner.
func (s *Session) Disconnect() {
	s.stopping.Store(true)
	s.setState(StateDisconnected)
	s.connected.Store(false)

	s.cancel()
	if s.client != nil {
		s.client.Disconnect()
	}

	s.messagesMu.Lock()
	if !s.messagesClosed {
		s.messagesClosed = true
		close(s.messages)
	}
	s.messagesMu.Unlock()

	s.logger.Info("whatsapp: disconnected")
}

// Receive returns the incoming messages channel.
func (s *Session) Receive() <-chan *channels.IncomingMessage {
	return s.messages
}

// Send sends a text message to the specified JID.
func (s *Session) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !s.connected.Load() || s.client == nil {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("%w %q: %v", channels.ErrInvalidRecipient, to, err)
	}

	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Content)})
	if err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return nil
}

// SelfIDs returns the phone-number JID and the LID of the linked account.
func (s *Session) SelfIDs() []string {
	if s.client == nil || s.client.Store.ID == nil {
		return nil
	}
	ids := []string{s.client.Store.ID.ToNonAD().String()}
	if lid := s.client.Store.LID; !lid.IsEmpty() {
		ids = append(ids, lid.ToNonAD().String())
	}
	return ids
}

// Health returns the session health status.
func (s *Session) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  s.connected.Load(),
		ErrorCount: int(s.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := s.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(s.getState())
	if jid := s.getClientJID(); jid != "" {
		h.Details["jid"] = jid
		h.Details["platform"] = s.client.Store.Platform
	}
	return h
}

// ---------- Internal ----------

// emitMessage sends a message to the incoming messages channel.
func (s *Session) emitMessage(msg *channels.IncomingMessage) {
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()
	if s.messagesClosed {
		return
	}

	select {
	case s.messages <- msg:
	default:
		s.logger.Warn("whatsapp: message channel full, dropping message",
			"chat_id", msg.ChatID, "message_id", msg.ID)
	}
}

// emitClosed reports the end of this session exactly once.
func (s *Session) emitClosed(reason string, loggedOut bool) {
	if s.stopping.Load() {
		return
	}
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		if loggedOut {
			s.setState(StateLoggedOut)
		} else if s.getState() != StateBanned {
			s.setState(StateDisconnected)
		}
		s.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: reason, LoggedOut: loggedOut})
	})
}

// updateLastMsgTime updates the last activity timestamp.
func (s *Session) updateLastMsgTime() {
	s.lastMsg.Store(time.Now())
}

func (s *Session) getLastMsgTime() time.Time {
	if v := s.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

func digitsOnly(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			out = append(out, r)
		}
	}
	return string(out)
}
