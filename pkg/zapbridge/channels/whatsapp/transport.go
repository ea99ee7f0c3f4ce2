// Package whatsapp implements the bridge's transport on top of whatsmeow, a
// native Go WhatsApp Web library. A Transport owns the whatsmeow session
// store; every connection attempt gets a fresh Session so a restart never
// inherits event handlers from a previous attempt.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// QRPath is where the login QR code PNG is written when no pairing
	// phone is configured. Empty disables the file.
	QRPath string `yaml:"qr_path"`

	// MessageBuffer is the capacity of the inbound message channel.
	MessageBuffer int `yaml:"message_buffer"`

	// HealthMonitor configures the presence pinger and silent-socket check.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeviceName:    "ZapBridge",
		QRPath:        "./data/whatsapp-qr.png",
		MessageBuffer: 256,
		HealthMonitor: DefaultHealthMonitorConfig(),
	}
}

// Transport creates WhatsApp sessions backed by a shared whatsmeow store.
type Transport struct {
	cfg       Config
	container *sqlstore.Container
	keys      *credstore.Store
	instance  string
	logger    *slog.Logger
}

// NewTransport opens (and upgrades) the whatsmeow session tables in the
// database identified by dialect and dsn. Dialect is a database/sql driver
// name understood by whatsmeow ("sqlite3" or "pgx").
func NewTransport(ctx context.Context, dialect, dsn string, keys *credstore.Store, instance string, cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 256
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "ZapBridge"
	}
	logger = logger.With("component", "whatsapp", "instance", instance)

	container, err := sqlstore.New(ctx, dialect, dsn, newLogAdapter(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	// Device name shown in WhatsApp linked devices list.
	store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})

	return &Transport{
		cfg:       cfg,
		container: container,
		keys:      keys,
		instance:  instance,
		logger:    logger,
	}, nil
}

// NewSession builds a session for creds. A registered device is looked up by
// its JID; otherwise a new, unpaired device is created. The device keeps its
// app-state sync keys and LID mappings in the credential store.
func (t *Transport) NewSession(ctx context.Context, creds *credstore.Credentials, notify func(channels.SessionEvent)) (channels.Session, error) {
	device, err := t.device(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	if t.keys != nil {
		device.AppStateKeys = newAppStateKeyStore(t.keys, t.instance)
		device.LIDs = newLIDStore(t.keys, t.instance)
	}
	return newSession(t.cfg, device, t.keys, t.instance, notify, t.logger), nil
}

func (t *Transport) device(ctx context.Context, creds *credstore.Credentials) (*store.Device, error) {
	if creds != nil && creds.Registered && creds.DeviceJID != "" {
		jid, err := types.ParseJID(creds.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("parse device jid %q: %w", creds.DeviceJID, err)
		}
		device, err := t.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, err
		}
		if device != nil {
			return device, nil
		}
		t.logger.Warn("whatsapp: registered device missing from session store, pairing again",
			"jid", creds.DeviceJID)
	}
	return t.container.NewDevice(), nil
}

// Close releases the session store.
func (t *Transport) Close() error {
	return t.container.Close()
}

// defaultPairTimeout bounds the wait for the first QR event before a pairing
// code can be requested.
const defaultPairTimeout = 30 * time.Second
