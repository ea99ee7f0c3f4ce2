package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

// keyTimeout bounds credential store calls made from event handlers.
const keyTimeout = 10 * time.Second

// handleEvent is the main whatsmeow event dispatcher.
func (s *Session) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		s.handleMessageEvt(evt)

	case *events.Connected:
		s.handleConnected(evt)

	case *events.PairSuccess:
		s.handlePairSuccess(evt)

	case *events.Disconnected:
		s.logger.Warn("whatsapp: disconnected", "was_connected", s.connected.Load())
		s.emitClosed("connection_lost", false)

	case *events.StreamReplaced:
		s.logger.Error("whatsapp: stream replaced, another client connected")
		s.emitClosed("stream_replaced", false)

	case *events.LoggedOut:
		s.handleLoggedOut(evt)

	case *events.ConnectFailure:
		s.handleConnectFailure(evt)

	case *events.TemporaryBan:
		s.setState(StateBanned)
		s.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		s.emitClosed(fmt.Sprintf("temporary_ban: %s", evt.Code), false)

	case *events.StreamError:
		s.logger.Error("whatsapp: stream error", "code", evt.Code)
		s.emitClosed("stream_error: "+evt.Code, false)

	case *events.KeepAliveTimeout:
		s.errorCount.Add(1)
		s.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
		// Half-open socket: connected on paper, dead in practice.
		if evt.ErrorCount >= 3 && s.getState() == StateConnected {
			s.emitClosed("keepalive_timeout", false)
		}

	case *events.KeepAliveRestored:
		s.logger.Info("whatsapp: keep-alive restored")
		s.errorCount.Store(0)

	case *events.PushName:
		s.handlePushName(evt)
	}
}

// handleConnected handles successful connection.
func (s *Session) handleConnected(_ *events.Connected) {
	s.setState(StateConnected)
	s.connected.Store(true)
	s.errorCount.Store(0)
	s.updateLastMsgTime()

	s.logger.Info("whatsapp: connected", "jid", s.getClientJID())
	s.notify(channels.SessionEvent{Kind: channels.EventConnected})
}

// handlePairSuccess reports the new device identity to the owner, who
// persists it.
func (s *Session) handlePairSuccess(evt *events.PairSuccess) {
	s.logger.Info("whatsapp: device paired",
		"jid", evt.ID,
		"platform", evt.Platform,
		"business", evt.BusinessName)

	info := &channels.PairingInfo{
		DeviceJID:    evt.ID.String(),
		Platform:     evt.Platform,
		BusinessName: evt.BusinessName,
	}
	if !evt.LID.IsEmpty() {
		info.LID = evt.LID.String()
	}
	if s.client != nil {
		info.PushName = s.client.Store.PushName
	}
	s.notify(channels.SessionEvent{Kind: channels.EventPaired, Pairing: info})
}

// handleLoggedOut handles session invalidation. The owner must not restart.
func (s *Session) handleLoggedOut(evt *events.LoggedOut) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	s.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
	s.emitClosed("logged_out: "+reason, true)
}

// handleConnectFailure classifies a connection failure reported by the
// server.
func (s *Session) handleConnectFailure(evt *events.ConnectFailure) {
	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	permanent := evt.PermanentDisconnectDescription()

	s.logger.Error("whatsapp: connect failure",
		"reason", reason,
		"message", evt.Message,
		"permanent", permanent)

	s.emitClosed("connect_failure: "+reason, evt.Reason.IsLoggedOut())
}

// handleMessageEvt converts a whatsmeow message event into an
// IncomingMessage.
func (s *Session) handleMessageEvt(evt *events.Message) {
	s.updateLastMsgTime()

	// Skip status broadcasts.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	// WhatsApp may address users by LID instead of phone number; rules are
	// keyed by phone JID.
	chatID := s.resolveJID(evt.Info.Chat)

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		ChatID:    chatID,
		FromName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		IsFromMe:  evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Text:      extractText(evt.Message),
		Mentions:  extractMentions(evt.Message),
	}
	if msg.FromName == "" {
		msg.FromName = s.cachedPushName(evt.Info.Sender)
	}
	if msg.IsGroup {
		msg.From = s.resolveJID(evt.Info.Sender)
	}

	s.emitMessage(msg)
}

// extractText returns the text of a message, trying plain text, extended
// text and then image, video and document captions.
func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if m.Conversation != nil {
		return m.GetConversation()
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := m.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if video := m.GetVideoMessage(); video != nil {
		return video.GetCaption()
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// extractMentions returns the JIDs mentioned in a message.
func extractMentions(m *waE2E.Message) []string {
	if m == nil {
		return nil
	}

	var ctxInfo *waE2E.ContextInfo
	switch {
	case m.ExtendedTextMessage != nil:
		ctxInfo = m.ExtendedTextMessage.GetContextInfo()
	case m.ImageMessage != nil:
		ctxInfo = m.ImageMessage.GetContextInfo()
	case m.VideoMessage != nil:
		ctxInfo = m.VideoMessage.GetContextInfo()
	case m.DocumentMessage != nil:
		ctxInfo = m.DocumentMessage.GetContextInfo()
	}
	if ctxInfo == nil {
		return nil
	}
	return ctxInfo.GetMentionedJID()
}

// resolveJID maps a LID to its phone-number JID when the mapping is known.
func (s *Session) resolveJID(jid types.JID) string {
	if jid.Server != types.HiddenUserServer || s.lids == nil {
		return jid.String()
	}

	ctx, cancel := context.WithTimeout(s.ctx, keyTimeout)
	defer cancel()

	pn, err := s.lids.GetPNForLID(ctx, jid)
	if err != nil {
		s.logger.Warn("whatsapp: LID lookup failed", "lid", jid, "error", err)
		return jid.String()
	}
	if pn.IsEmpty() {
		return jid.String()
	}
	phone := pn.ToNonAD().String()
	s.logger.Debug("whatsapp: resolved LID to phone", "lid", jid, "phone", phone)
	return phone
}

// cachedPushName returns the last push name announced by jid.
func (s *Session) cachedPushName(jid types.JID) string {
	if s.keys == nil || jid.IsEmpty() {
		return ""
	}
	id := jid.ToNonAD().String()

	ctx, cancel := context.WithTimeout(s.ctx, keyTimeout)
	defer cancel()

	found, err := s.keys.GetKeys(ctx, s.instance, credstore.CategoryPushName, []string{id})
	if err != nil {
		s.logger.Warn("whatsapp: push name lookup failed", "jid", id, "error", err)
		return ""
	}
	if p, ok := found[id].(credstore.PushName); ok {
		return p.Name
	}
	return ""
}

func (s *Session) handlePushName(evt *events.PushName) {
	s.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)
	ctx, cancel := context.WithTimeout(s.ctx, keyTimeout)
	defer cancel()
	s.storeKey(ctx, credstore.CategoryPushName, evt.JID.ToNonAD().String(),
		credstore.PushName{Name: evt.NewPushName, UpdatedAt: time.Now().UTC()})
}

func (s *Session) storeKey(ctx context.Context, category credstore.Category, id string, v credstore.Value) {
	if s.keys == nil {
		return
	}
	var updates credstore.Updates
	updates.Set(category, id, v)
	if err := s.keys.SetKeys(ctx, s.instance, updates); err != nil {
		s.logger.Warn("whatsapp: storing key failed", "category", category, "id", id, "error", err)
	}
}

// ---------- Helpers ----------

// parseJID converts a string JID to types.JID.
// Accepts formats: "5511999999999" or "5511999999999@s.whatsapp.net"
// or group IDs like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := digitsOnly(s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
