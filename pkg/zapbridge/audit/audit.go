// Package audit records inbound and outbound message events without ever
// blocking or failing the message pipeline.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/metrics"
)

// Direction of an audited event.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Entry is one append-only audit record. Zero values mean "absent".
type Entry struct {
	Direction      Direction
	ChatID         string
	SenderID       string
	MessageID      string
	Text           string
	Automated      bool
	RequestID      string
	ResponseStatus int
	ErrorDetail    string
	CreatedAt      time.Time
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Recorder is the write side used by the pipeline.
type Recorder interface {
	Record(entry Entry)
}

// DefaultQueueSize is the number of entries buffered before drops begin.
const DefaultQueueSize = 256

// Logger buffers entries and writes them through a Sink from one background
// goroutine. Record never blocks: when the queue is full the entry is dropped
// and a warning is logged.
type Logger struct {
	sink         Sink
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// NewLogger starts the background writer. A non-positive queueSize selects
// DefaultQueueSize.
func NewLogger(sink Sink, queueSize int, logger *slog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:         sink,
		logger:       logger.With("component", "audit"),
		writeTimeout: 10 * time.Second,
		queue:        make(chan Entry, queueSize),
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues entry for persistence.
func (l *Logger) Record(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		metrics.AuditDropped.WithLabelValues("closed").Inc()
		l.logger.Warn("audit: logger closed, entry dropped",
			"direction", entry.Direction, "chat_id", entry.ChatID, "request_id", entry.RequestID)
		return
	}

	select {
	case l.queue <- entry:
	default:
		metrics.AuditDropped.WithLabelValues("queue_full").Inc()
		l.logger.Warn("audit: queue full, entry dropped",
			"direction", entry.Direction, "chat_id", entry.ChatID, "request_id", entry.RequestID)
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.queue {
		l.write(entry)
	}
}

func (l *Logger) write(entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditDropped.WithLabelValues("sink_error").Inc()
			l.logger.Warn("audit: sink panicked", "panic", r, "chat_id", entry.ChatID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.sink.Write(ctx, entry); err != nil {
		metrics.AuditDropped.WithLabelValues("sink_error").Inc()
		l.logger.Warn("audit: write failed",
			"direction", entry.Direction,
			"chat_id", entry.ChatID,
			"request_id", entry.RequestID,
			"error", err,
		)
	}
}

// Close stops accepting entries and waits until the queue is drained or ctx
// expires.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
