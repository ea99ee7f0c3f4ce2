package whatsapp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

type eventRecorder struct {
	mu     sync.Mutex
	events []channels.SessionEvent
}

func (r *eventRecorder) notify(evt channels.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) snapshot() []channels.SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.SessionEvent(nil), r.events...)
}

func newKeyStore(t *testing.T) *credstore.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "zapbridge-whatsapp-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := backends.OpenSQLite(backends.SQLiteConfig{Path: filepath.Join(tmpDir, "keys.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrator.Migrate(context.Background(), 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return credstore.New(credstore.NewSQLBackend(db.DB), testLogger)
}

func newTestSession(t *testing.T, keys *credstore.Store) (*Session, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	s := newDetachedSession(DefaultConfig(), keys, "default", rec.notify, testLogger)
	t.Cleanup(s.Disconnect)
	return s, rec
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked")}}, "linked"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("photo")}}, "photo"},
		{"video caption", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}}, "clip"},
		{"document caption", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("report")}}, "report"},
		{"audio has no text", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.msg); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractMentions(t *testing.T) {
	jid := "5511999999999@s.whatsapp.net"
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("@bot hi"),
		ContextInfo: &waE2E.ContextInfo{MentionedJID: []string{jid}},
	}}

	got := extractMentions(msg)
	if len(got) != 1 || got[0] != jid {
		t.Errorf("extractMentions() = %v, want [%s]", got, jid)
	}
	if got := extractMentions(&waE2E.Message{Conversation: proto.String("plain")}); got != nil {
		t.Errorf("plain message mentions = %v, want nil", got)
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"5511999999999", "5511999999999@s.whatsapp.net", false},
		{"+55 (11) 99999-9999", "5511999999999@s.whatsapp.net", false},
		{"5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net", false},
		{"123456789-1234@g.us", "123456789-1234@g.us", false},
		{"", "", true},
		{"12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseJID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseJID(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJID(%q): %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("parseJID(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := digitsOnly("+55 11 9-8765"); got != "551198765" {
		t.Errorf("digitsOnly() = %q", got)
	}
}

func TestSession_MessageEvent(t *testing.T) {
	s, _ := newTestSession(t, nil)

	group := types.NewJID("120363000000000000", types.GroupServer)
	sender := types.NewJID("5511911111111", types.DefaultUserServer)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            "MSG1",
			PushName:      "Ana",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello group")},
	})

	select {
	case msg := <-s.Receive():
		if msg.ChatID != group.String() || msg.From != sender.String() {
			t.Errorf("unexpected ids chat=%s from=%s", msg.ChatID, msg.From)
		}
		if msg.Text != "hello group" || msg.ID != "MSG1" || !msg.IsGroup || msg.FromName != "Ana" {
			t.Errorf("unexpected message %+v", msg)
		}
		if !msg.Timestamp.Equal(ts) {
			t.Errorf("timestamp = %v, want %v", msg.Timestamp, ts)
		}
	default:
		t.Fatal("message not emitted")
	}

	t.Run("direct chat has no sender", func(t *testing.T) {
		chat := types.NewJID("5511922222222", types.DefaultUserServer)
		s.handleEvent(&events.Message{
			Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: chat, Sender: chat}, ID: "MSG2"},
			Message: &waE2E.Message{Conversation: proto.String("hi")},
		})
		msg := <-s.Receive()
		if msg.From != "" || msg.IsGroup {
			t.Errorf("direct message From = %q, IsGroup = %v", msg.From, msg.IsGroup)
		}
	})

	t.Run("status broadcast skipped", func(t *testing.T) {
		s.handleEvent(&events.Message{
			Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: types.StatusBroadcastJID, Sender: sender}},
			Message: &waE2E.Message{Conversation: proto.String("status")},
		})
		select {
		case msg := <-s.Receive():
			t.Errorf("broadcast emitted: %+v", msg)
		default:
		}
	})
}

func TestSession_ResolvesLIDFromKeyStore(t *testing.T) {
	keys := newKeyStore(t)
	ctx := context.Background()

	lid := types.NewJID("99887766", types.HiddenUserServer)
	pn := types.NewJID("5511933333333", types.DefaultUserServer)
	if err := newLIDStore(keys, "default").PutLIDMapping(ctx, lid, pn); err != nil {
		t.Fatalf("PutLIDMapping: %v", err)
	}

	s, _ := newTestSession(t, keys)
	if got := s.resolveJID(lid); got != "5511933333333@s.whatsapp.net" {
		t.Errorf("resolveJID(lid) = %s", got)
	}
	device := types.JID{User: "99887766", Device: 4, Server: types.HiddenUserServer}
	if got := s.resolveJID(device); got != "5511933333333@s.whatsapp.net" {
		t.Errorf("resolveJID(lid device) = %s", got)
	}
	unknown := types.NewJID("11223344", types.HiddenUserServer)
	if got := s.resolveJID(unknown); got != unknown.String() {
		t.Errorf("unknown lid resolved to %s", got)
	}
}

func TestSession_FromNameFallsBackToCachedPushName(t *testing.T) {
	keys := newKeyStore(t)
	s, _ := newTestSession(t, keys)

	group := types.NewJID("120363025246125244", types.GroupServer)
	sender := types.NewJID("5511966666666", types.DefaultUserServer)
	s.handleEvent(&events.PushName{JID: sender, NewPushName: "Maria"})

	s.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            "MSG3",
		},
		Message: &waE2E.Message{Conversation: proto.String("oi")},
	})
	msg := <-s.Receive()
	if msg.FromName != "Maria" {
		t.Errorf("FromName = %q, want cached push name", msg.FromName)
	}

	s.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: group, Sender: sender, IsGroup: true},
			ID:            "MSG4",
			PushName:      "Maria S.",
		},
		Message: &waE2E.Message{Conversation: proto.String("oi")},
	})
	if msg := <-s.Receive(); msg.FromName != "Maria S." {
		t.Errorf("FromName = %q, message push name must win", msg.FromName)
	}
}

func TestSession_ClosureEvents(t *testing.T) {
	tests := []struct {
		name          string
		evt           any
		wantLoggedOut bool
		wantState     ConnectionState
	}{
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, true, StateLoggedOut},
		{"connect failure logout", &events.ConnectFailure{Reason: events.ConnectFailureMainDeviceGone}, true, StateLoggedOut},
		{"connect failure transient", &events.ConnectFailure{Reason: events.ConnectFailureServiceUnavailable}, false, StateDisconnected},
		{"disconnected", &events.Disconnected{}, false, StateDisconnected},
		{"stream replaced", &events.StreamReplaced{}, false, StateDisconnected},
		{"stream error", &events.StreamError{Code: "503"}, false, StateDisconnected},
		{"temporary ban", &events.TemporaryBan{Code: events.TempBanSentToTooManyPeople, Expire: time.Hour}, false, StateBanned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestSession(t, nil)
			s.setState(StateConnected)

			s.handleEvent(tt.evt)
			s.handleEvent(&events.Disconnected{})

			got := rec.snapshot()
			if len(got) != 1 {
				t.Fatalf("expected exactly one event, got %d: %+v", len(got), got)
			}
			if got[0].Kind != channels.EventClosed || got[0].LoggedOut != tt.wantLoggedOut {
				t.Errorf("event = %+v, want closed loggedOut=%v", got[0], tt.wantLoggedOut)
			}
			if s.GetState() != tt.wantState {
				t.Errorf("state = %s, want %s", s.GetState(), tt.wantState)
			}
		})
	}
}

func TestSession_ConnectedAndPaired(t *testing.T) {
	s, rec := newTestSession(t, nil)

	s.handleEvent(&events.PairSuccess{
		ID:           types.NewADJID("5511955555555", 0, 7),
		LID:          types.NewJID("5566", types.HiddenUserServer),
		Platform:     "android",
		BusinessName: "Shop",
	})
	s.handleEvent(&events.Connected{})

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %+v", got)
	}
	if got[0].Kind != channels.EventPaired || got[0].Pairing == nil {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[0].Pairing.DeviceJID != "5511955555555:7@s.whatsapp.net" || got[0].Pairing.LID != "5566@lid" {
		t.Errorf("pairing info = %+v", got[0].Pairing)
	}
	if got[1].Kind != channels.EventConnected {
		t.Errorf("second event = %+v", got[1])
	}
	if !s.Health().Connected || s.GetState() != StateConnected {
		t.Error("session not marked connected")
	}
}

func TestSession_KeepAliveTimeout(t *testing.T) {
	s, rec := newTestSession(t, nil)
	s.setState(StateConnected)

	s.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1})
	if len(rec.snapshot()) != 0 {
		t.Fatal("single keep-alive timeout must not close the session")
	}
	s.handleEvent(&events.KeepAliveRestored{})
	if s.Health().ErrorCount != 0 {
		t.Error("error count not reset on restore")
	}

	s.handleEvent(&events.KeepAliveTimeout{ErrorCount: 3})
	if got := rec.snapshot(); len(got) != 1 || got[0].Reason != "keepalive_timeout" {
		t.Errorf("events = %+v", got)
	}
}

func TestSession_DisconnectIsSilent(t *testing.T) {
	rec := &eventRecorder{}
	s := newDetachedSession(DefaultConfig(), nil, "default", rec.notify, testLogger)

	s.Disconnect()
	s.handleEvent(&events.Disconnected{})
	s.emitMessage(&channels.IncomingMessage{ID: "late"})
	s.Disconnect()

	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("owner disconnect reported events: %+v", got)
	}
	if _, ok := <-s.Receive(); ok {
		t.Error("message channel should be closed")
	}
}

func TestSession_EmitMessageDropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageBuffer = 1
	s := newDetachedSession(cfg, nil, "default", nil, testLogger)
	defer s.Disconnect()

	s.emitMessage(&channels.IncomingMessage{ID: "1"})
	s.emitMessage(&channels.IncomingMessage{ID: "2"})

	if msg := <-s.Receive(); msg.ID != "1" {
		t.Errorf("first message = %s", msg.ID)
	}
	select {
	case msg := <-s.Receive():
		t.Errorf("overflow message delivered: %s", msg.ID)
	default:
	}
}

func TestSession_SendWhileDisconnected(t *testing.T) {
	s, _ := newTestSession(t, nil)
	err := s.Send(context.Background(), "5511999999999", &channels.OutgoingMessage{Content: "hi"})
	if err != channels.ErrChannelDisconnected {
		t.Errorf("Send() error = %v, want ErrChannelDisconnected", err)
	}
}

func TestPerformHealthCheck(t *testing.T) {
	cfg := HealthMonitorConfig{
		Enabled:             true,
		MaxSilentDuration:   time.Minute,
		ForceReconnectAfter: 10 * time.Minute,
	}

	t.Run("recent activity", func(t *testing.T) {
		s, rec := newTestSession(t, nil)
		s.setState(StateConnected)
		s.updateLastMsgTime()
		s.performHealthCheck(cfg, time.Now())
		if len(rec.snapshot()) != 0 {
			t.Error("healthy session closed")
		}
	})

	t.Run("silent past force threshold", func(t *testing.T) {
		s, rec := newTestSession(t, nil)
		s.setState(StateConnected)
		s.updateLastMsgTime()
		s.performHealthCheck(cfg, time.Now().Add(11*time.Minute))
		if got := rec.snapshot(); len(got) != 1 || got[0].Reason != "silent_timeout" {
			t.Errorf("events = %+v", got)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		s, rec := newTestSession(t, nil)
		s.performHealthCheck(cfg, time.Now().Add(time.Hour))
		if len(rec.snapshot()) != 0 {
			t.Error("disconnected session closed by health check")
		}
	})
}

func TestLogAdapter(t *testing.T) {
	log := newLogAdapter(testLogger, "client")
	log.Infof("connected to %s", "server")
	log.Sub("socket").Warnf("retry %d", 2)
}
