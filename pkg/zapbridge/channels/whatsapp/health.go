package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.mau.fi/whatsmeow/types"
)

// HealthMonitorConfig tunes the silent-socket watchdog of a session.
type HealthMonitorConfig struct {
	// Enabled schedules the watchdog and the presence pinger.
	Enabled bool `yaml:"enabled"`

	// CheckInterval is the watchdog period (30s).
	CheckInterval time.Duration `yaml:"check_interval"`

	// PingInterval is the presence update period (2m).
	PingInterval time.Duration `yaml:"ping_interval"`

	// MaxSilentDuration is how long a session may stay silent before its
	// socket is inspected (5m).
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter closes a session that has been silent this long
	// even when the socket reports connected (0 = disabled).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns the watchdog defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		PingInterval:        2 * time.Minute,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
	}
}

// startHealthMonitor schedules the health check and the presence pinger. Both
// stop when ctx is cancelled.
func (s *Session) startHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Minute
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.CheckInterval), func() {
		s.performHealthCheck(cfg, time.Now())
	}); err != nil {
		s.logger.Warn("whatsapp: health check not scheduled", "error", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.PingInterval), func() {
		s.ping(ctx)
	}); err != nil {
		s.logger.Warn("whatsapp: pinger not scheduled", "error", err)
	}
	c.Start()

	s.logger.Debug("whatsapp: watchdog scheduled",
		"every", cfg.CheckInterval,
		"ping_every", cfg.PingInterval,
		"silent_after", cfg.MaxSilentDuration,
		"close_after", cfg.ForceReconnectAfter)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.logger.Debug("whatsapp: health monitor stopped")
	}()
}

// ping sends a presence update to keep the connection alive.
func (s *Session) ping(ctx context.Context) {
	if s.getState() != StateConnected || s.client == nil {
		return
	}
	if err := s.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		s.logger.Warn("whatsapp: pinger failed to send presence", "error", err)
		return
	}
	s.logger.Debug("whatsapp: pinger sent presence update")
	s.updateLastMsgTime()
}

// performHealthCheck closes the session when it has been silent too long and
// the socket is gone, or when it exceeded ForceReconnectAfter.
func (s *Session) performHealthCheck(cfg HealthMonitorConfig, now time.Time) {
	if s.getState() != StateConnected {
		return
	}

	silent := now.Sub(s.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return
	}

	s.logger.Warn("whatsapp: session silent",
		"silent_for", silent,
		"threshold", cfg.MaxSilentDuration)

	if s.client != nil && !s.client.IsConnected() {
		s.logger.Error("whatsapp: client reports disconnected but state is connected")
		s.emitClosed("silent_socket", false)
		return
	}

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		s.logger.Warn("whatsapp: forcing preventive reconnection due to excessive silence",
			"silent_duration", silent)
		s.emitClosed("silent_timeout", false)
	}
}
