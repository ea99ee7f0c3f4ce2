package audit

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/database/backends"
)

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *memorySink) Write(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	memorySink
}

func (s *blockingSink) Write(ctx context.Context, e Entry) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.memorySink.Write(ctx, e)
}

type panickingSink struct{}

func (panickingSink) Write(ctx context.Context, e Entry) error { panic("boom") }

func TestLogger_DrainsInOrderOnClose(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink, 16, nil)

	for _, id := range []string{"a", "b", "c"} {
		l.Record(Entry{Direction: Inbound, ChatID: "chat", MessageID: id})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := sink.Entries()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].MessageID != id {
			t.Errorf("entry %d = %q, want %q", i, got[i].MessageID, id)
		}
		if got[i].CreatedAt.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
}

func TestLogger_SinkFailureDoesNotPropagate(t *testing.T) {
	l := NewLogger(&memorySink{err: errors.New("datastore down")}, 4, nil)
	l.Record(Entry{Direction: Outbound, ChatID: "chat"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLogger_SinkPanicIsRecovered(t *testing.T) {
	l := NewLogger(panickingSink{}, 4, nil)
	l.Record(Entry{Direction: Inbound, ChatID: "chat"})
	l.Record(Entry{Direction: Inbound, ChatID: "chat"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLogger_RecordNeverBlocks(t *testing.T) {
	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	l := NewLogger(sink, 1, nil)

	l.Record(Entry{MessageID: "in-flight"})
	<-sink.started

	done := make(chan struct{})
	go func() {
		l.Record(Entry{MessageID: "queued"})
		l.Record(Entry{MessageID: "dropped"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Close(ctx)

	got := sink.Entries()
	if len(got) != 2 || got[0].MessageID != "in-flight" || got[1].MessageID != "queued" {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestLogger_RecordAfterClose(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink, 4, nil)
	l.Close(context.Background())

	l.Record(Entry{MessageID: "late"})
	if len(sink.Entries()) != 0 {
		t.Error("entry recorded after Close")
	}
}

func TestSQLSink(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "zapbridge-audit-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := backends.OpenSQLite(backends.SQLiteConfig{Path: filepath.Join(tmpDir, "audit.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.Migrator.Migrate(ctx, 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sink := NewSQLSink(db.DB)
	if err := sink.Write(ctx, Entry{
		Direction: Inbound,
		ChatID:    "5511911111111@s.whatsapp.net",
		MessageID: "MSG1",
		Text:      "hello",
		Automated: true,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Write inbound: %v", err)
	}
	if err := sink.Write(ctx, Entry{
		Direction:      Outbound,
		ChatID:         "5511911111111@s.whatsapp.net",
		Automated:      true,
		RequestID:      "req-1",
		ResponseStatus: 200,
		ErrorDetail:    "skipReply",
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Write outbound: %v", err)
	}

	var count int
	db.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_logs").Scan(&count)
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var sender sql.NullString
	var status sql.NullInt64
	var detail string
	err = db.DB.QueryRowContext(ctx,
		"SELECT sender_id, response_status, error_detail FROM message_logs WHERE direction = 'outbound'").
		Scan(&sender, &status, &detail)
	if err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	if sender.Valid {
		t.Error("expected NULL sender_id")
	}
	if !status.Valid || status.Int64 != 200 || detail != "skipReply" {
		t.Errorf("unexpected outbound row status=%v detail=%q", status, detail)
	}

	if err := sink.Write(ctx, Entry{Direction: "sideways", ChatID: "x"}); err == nil {
		t.Error("expected check constraint violation")
	}
}
