package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// logAdapter forwards whatsmeow's printf-style logs to slog.
type logAdapter struct {
	logger *slog.Logger
}

func newLogAdapter(logger *slog.Logger, module string) waLog.Logger {
	return logAdapter{logger: logger.With("module", module)}
}

func (a logAdapter) Errorf(msg string, args ...any) { a.logger.Error(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Warnf(msg string, args ...any)  { a.logger.Warn(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Infof(msg string, args ...any)  { a.logger.Debug(fmt.Sprintf(msg, args...)) }
func (a logAdapter) Debugf(msg string, args ...any) { a.logger.Debug(fmt.Sprintf(msg, args...)) }

func (a logAdapter) Sub(module string) waLog.Logger {
	return logAdapter{logger: a.logger.With("module", module)}
}
