// Package bridge connects inbound messages to the automation webhook. For
// every message it loads the runtime configuration, decides whether to
// automate, calls the webhook at most once, optionally sends the reply and
// records the outcome in the audit log.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/audit"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/metrics"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/rules"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/webhook"
)

// Error details recorded for replies that were intentionally not sent.
const (
	DetailSkipReply  = "skipReply"
	DetailEmptyReply = "emptyReply"
)

// sendTimeout bounds the outbound reply.
const sendTimeout = 30 * time.Second

// ConfigSource returns the current runtime configuration.
type ConfigSource interface {
	Get(ctx context.Context) (*rules.RuntimeConfig, error)
}

// Dispatcher calls the automation webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *webhook.Request) (*webhook.Result, error)
}

// Pipeline handles inbound messages. It is safe for concurrent use, but the
// supervisor feeds it one message at a time per session.
type Pipeline struct {
	configs  ConfigSource
	webhook  Dispatcher
	recorder audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Pipeline.
func New(configs ConfigSource, dispatcher Dispatcher, recorder audit.Recorder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		configs:  configs,
		webhook:  dispatcher,
		recorder: recorder,
		logger:   logger.With("component", "bridge"),
		now:      time.Now,
	}
}

// Handle processes one inbound message received on session. It never panics
// and never returns an error: every failure is logged and audited.
func (p *Pipeline) Handle(ctx context.Context, session channels.Session, msg *channels.IncomingMessage) {
	if msg == nil {
		return
	}
	logger := p.logger.With("chat_id", msg.ChatID, "sender_id", msg.Sender(), "message_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("bridge: panic while handling message",
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if msg.Text == "" {
		logger.Debug("bridge: message without text ignored")
		return
	}
	receivedAt := p.now()
	metrics.MessagesReceived.WithLabelValues(metrics.ChatType(msg.IsGroup)).Inc()

	inbound := audit.Entry{
		Direction: audit.Inbound,
		ChatID:    msg.ChatID,
		SenderID:  msg.From,
		MessageID: msg.ID,
		Text:      msg.Text,
	}

	cfg, err := p.configs.Get(ctx)
	if err != nil {
		metrics.ConfigLoadErrors.Inc()
		logger.Error("bridge: runtime config unavailable, message skipped", "error", err)
		inbound.ErrorDetail = err.Error()
		p.recorder.Record(inbound)
		return
	}

	if msg.IsFromMe && cfg.Settings.IgnoreFromSelf {
		logger.Debug("bridge: own message ignored")
		p.recorder.Record(inbound)
		return
	}

	automated := rules.Decide(cfg, msg.ChatID, msg.IsGroup, msg, session.SelfIDs()...)
	metrics.Decisions.WithLabelValues(metrics.ChatType(msg.IsGroup), fmt.Sprint(automated)).Inc()

	inbound.Automated = automated
	if !automated {
		logger.Debug("bridge: not automated")
		p.recorder.Record(inbound)
		return
	}

	req := webhook.NewRequest(msg, receivedAt)
	inbound.RequestID = req.RequestID
	p.recorder.Record(inbound)

	logger = logger.With("request_id", req.RequestID)
	p.respond(ctx, logger, session, cfg.Settings, msg, req)
}

// respond dispatches req and records exactly one outbound entry.
func (p *Pipeline) respond(ctx context.Context, logger *slog.Logger, session channels.Session, settings rules.Settings, msg *channels.IncomingMessage, req *webhook.Request) {
	out := audit.Entry{
		Direction: audit.Outbound,
		ChatID:    msg.ChatID,
		Automated: true,
		RequestID: req.RequestID,
	}

	res, err := p.webhook.Dispatch(ctx, req)
	if err != nil {
		var werr *webhook.WebhookError
		if errors.As(err, &werr) {
			out.ResponseStatus = werr.StatusCode
			out.ErrorDetail = werr.Detail
		} else {
			out.ErrorDetail = err.Error()
		}
		metrics.RepliesSent.WithLabelValues("dispatch_error").Inc()
		logger.Warn("bridge: webhook failed", "status", out.ResponseStatus, "error", err)
		p.recorder.Record(out)
		return
	}
	out.ResponseStatus = res.StatusCode

	switch {
	case res.SkipReply:
		out.ErrorDetail = DetailSkipReply
		metrics.RepliesSent.WithLabelValues("skip_reply").Inc()
		logger.Debug("bridge: webhook asked to skip the reply")
		p.recorder.Record(out)
		return

	case strings.TrimSpace(res.ReplyText) == "":
		out.ErrorDetail = DetailEmptyReply
		metrics.RepliesSent.WithLabelValues("empty_reply").Inc()
		logger.Debug("bridge: webhook returned no reply")
		p.recorder.Record(out)
		return
	}

	target := replyTarget(settings, msg, res.SendTo)
	text := settings.ReplyPrefix + res.ReplyText
	out.ChatID = target

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := session.Send(sendCtx, target, &channels.OutgoingMessage{Content: text}); err != nil {
		out.ErrorDetail = err.Error()
		metrics.RepliesSent.WithLabelValues("send_error").Inc()
		logger.Error("bridge: sending reply failed", "to", target, "error", err)
		p.recorder.Record(out)
		return
	}

	out.Text = text
	metrics.RepliesSent.WithLabelValues("sent").Inc()
	logger.Info("bridge: reply sent", "to", target, "status", res.StatusCode)
	p.recorder.Record(out)
}

// replyTarget picks the reply recipient. A valid sendTo from the webhook
// overrides the configured destination; directToSender only changes the
// target for group messages.
func replyTarget(settings rules.Settings, msg *channels.IncomingMessage, sendTo string) string {
	dest := settings.ReplyDestination
	if d := rules.ReplyDestination(strings.TrimSpace(sendTo)); d.Valid() {
		dest = d
	}
	if dest == rules.ReplyDirectToSender && msg.IsGroup && msg.From != "" {
		return msg.From
	}
	return msg.ChatID
}
