// Package supervisor owns the lifecycle of the messaging session: it builds a
// session from stored credentials, runs one message worker per session, and
// decides between a terminal logout and a single delayed restart whenever a
// session closes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/metrics"
)

// State is a supervisor state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateLoggedOut    State = "logged_out"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateOnline), string(StateLoggedOut),
}

// DefaultRestartDelay is the fixed pause before a session is rebuilt.
const DefaultRestartDelay = 3 * time.Second

// ErrLoggedOut is returned by Run when the linked device was logged out. The
// stored credentials are invalid and the supervisor does not restart.
var ErrLoggedOut = errors.New("supervisor: session logged out")

// Factory builds sessions. Every call returns a fresh session.
type Factory interface {
	NewSession(ctx context.Context, creds *credstore.Credentials, notify func(channels.SessionEvent)) (channels.Session, error)
}

// CredentialStore loads and saves the instance credentials. ClearKeys drops
// the session keys kept alongside them.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, instance string) (*credstore.Credentials, error)
	SaveCredentials(ctx context.Context, instance string, creds *credstore.Credentials) error
	ClearKeys(ctx context.Context, instance string) error
}

// Handler processes one inbound message of session.
type Handler func(ctx context.Context, session channels.Session, msg *channels.IncomingMessage)

// Config configures a Supervisor.
type Config struct {
	Instance     string
	PairingPhone string
	RestartDelay time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Instance        string                 `json:"instance"`
	State           State                  `json:"state"`
	Since           time.Time              `json:"since"`
	Restarts        int                    `json:"restarts"`
	LastCloseReason string                 `json:"last_close_reason,omitempty"`
	Session         *channels.HealthStatus `json:"session,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPairingCodeHandler sets the callback that receives the pairing code.
func WithPairingCodeHandler(fn func(phone, code string)) Option {
	return func(s *Supervisor) { s.onPairingCode = fn }
}

// WithStateObserver registers a callback invoked on every state change.
func WithStateObserver(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.observers = append(s.observers, fn) }
}

// Supervisor runs the connect / restart loop.
type Supervisor struct {
	cfg     Config
	factory Factory
	creds   CredentialStore
	handler Handler
	logger  *slog.Logger

	onPairingCode func(phone, code string)
	observers     []func(from, to State)

	// pairingRequested guards the once-per-process pairing code request.
	pairingRequested atomic.Bool
	// generation identifies the current session; notifications carrying an
	// older generation are discarded.
	generation atomic.Uint64

	mu         sync.RWMutex
	state      State
	since      time.Time
	session    channels.Session
	restarts   int
	lastReason string
}

// New creates a Supervisor.
func New(cfg Config, factory Factory, creds CredentialStore, handler Handler, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Instance == "" {
		cfg.Instance = "default"
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	s := &Supervisor{
		cfg:     cfg,
		factory: factory,
		creds:   creds,
		handler: handler,
		logger:  logger.With("component", "supervisor", "instance", cfg.Instance),
		state:   StateDisconnected,
		since:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives sessions until ctx is cancelled (returns nil), the device is
// logged out (returns ErrLoggedOut) or a credential operation fails. Only the
// first session can fail to start; later failures to load credentials or
// build a session are retried after the restart delay.
func (s *Supervisor) Run(ctx context.Context) error {
	for first := true; ; first = false {
		restart, err := s.runSession(ctx, !first)
		if err != nil {
			return err
		}
		if !restart || ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		s.mu.Lock()
		s.restarts++
		reason := s.lastReason
		s.mu.Unlock()
		metrics.SessionRestarts.Inc()

		s.logger.Warn("supervisor: session closed, restarting",
			"reason", reason, "delay", s.cfg.RestartDelay)

		timer := time.NewTimer(s.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

// runSession runs one session to its first closure. It reports whether the
// session should be restarted. When restarting is set, failing to start the
// session counts as another closure.
func (s *Supervisor) runSession(ctx context.Context, restarting bool) (bool, error) {
	gen := s.generation.Add(1)
	s.setState(StateConnecting)

	startFailed := func(reason string, err error) (bool, error) {
		s.setState(StateDisconnected)
		if restarting {
			if ctx.Err() != nil {
				return false, nil
			}
			s.logger.Error("supervisor: session start failed", "error", err)
			s.setLastReason(reason + ": " + err.Error())
			return true, nil
		}
		return false, err
	}

	creds, err := s.creds.LoadCredentials(ctx, s.cfg.Instance)
	if err != nil {
		return startFailed("load_error", fmt.Errorf("loading credentials: %w", err))
	}

	events := make(chan channels.SessionEvent, 8)
	done := make(chan struct{})
	notify := func(evt channels.SessionEvent) {
		if s.generation.Load() != gen {
			return
		}
		select {
		case events <- evt:
		case <-done:
		}
	}

	session, err := s.factory.NewSession(ctx, creds, notify)
	if err != nil {
		return startFailed("session_error", fmt.Errorf("creating session: %w", err))
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	stopWorker := make(chan struct{})
	workerDone := make(chan struct{})
	go s.work(ctx, stopWorker, session, workerDone)

	defer func() {
		close(done)
		close(stopWorker)
		session.Disconnect()
		<-workerDone
	}()

	if err := session.Connect(ctx); err != nil {
		s.logger.Error("supervisor: connect failed", "error", err)
		s.setLastReason("connect_error: " + err.Error())
		s.setState(StateDisconnected)
		return true, nil
	}

	if s.cfg.PairingPhone != "" && (!creds.Registered || session.NeedsPairing()) {
		s.requestPairingCode(ctx, session)
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case evt := <-events:
			switch evt.Kind {
			case channels.EventConnected:
				s.setState(StateOnline)
				s.logger.Info("supervisor: session online")

			case channels.EventPaired:
				if err := s.savePairing(ctx, creds, evt.Pairing); err != nil {
					return false, err
				}

			case channels.EventClosed:
				s.setLastReason(evt.Reason)
				if evt.LoggedOut {
					return false, s.markLoggedOut(ctx, creds, evt.Reason)
				}
				s.setState(StateDisconnected)
				return true, nil
			}
		}
	}
}

// work feeds session messages to the handler in arrival order. Stopping the
// worker discards messages that were not started yet; the message in flight
// runs to completion under the supervisor context.
func (s *Supervisor) work(ctx context.Context, stop <-chan struct{}, session channels.Session, done chan<- struct{}) {
	defer close(done)
	messages := session.Receive()
	for {
		select {
		case <-stop:
			return
		default:
		}

		select {
		case <-stop:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.handler(ctx, session, msg)
		}
	}
}

// requestPairingCode asks for a pairing code once per process. The request
// waits for the session's handshake, so it runs in the background.
func (s *Supervisor) requestPairingCode(ctx context.Context, session channels.Session) {
	if !s.pairingRequested.CompareAndSwap(false, true) {
		s.logger.Info("supervisor: pairing code already requested, waiting for registration")
		return
	}
	phone := s.cfg.PairingPhone
	go func() {
		code, err := session.RequestPairingCode(ctx, phone)
		if err != nil {
			s.logger.Error("supervisor: pairing code request failed", "error", err)
			return
		}
		s.logger.Info("supervisor: pairing code issued", "phone", phone)
		if s.onPairingCode != nil {
			s.onPairingCode(phone, code)
		}
	}()
}

func (s *Supervisor) savePairing(ctx context.Context, creds *credstore.Credentials, info *channels.PairingInfo) error {
	creds.Registered = true
	creds.RegisteredAt = time.Now().UTC()
	if info != nil {
		creds.DeviceJID = info.DeviceJID
		creds.LID = info.LID
		creds.Platform = info.Platform
		creds.BusinessName = info.BusinessName
		creds.PushName = info.PushName
	}
	if err := s.creds.SaveCredentials(ctx, s.cfg.Instance, creds); err != nil {
		return fmt.Errorf("saving paired credentials: %w", err)
	}
	s.logger.Info("supervisor: device registered", "jid", creds.DeviceJID)
	return nil
}

func (s *Supervisor) markLoggedOut(ctx context.Context, creds *credstore.Credentials, reason string) error {
	s.setState(StateLoggedOut)
	s.logger.Error("supervisor: logged out, not restarting", "reason", reason)

	creds.Registered = false
	creds.DeviceJID = ""
	creds.LID = ""
	var errs []error
	if err := s.creds.SaveCredentials(ctx, s.cfg.Instance, creds); err != nil {
		errs = append(errs, fmt.Errorf("saving logged out credentials: %w", err))
	}
	if err := s.creds.ClearKeys(ctx, s.cfg.Instance); err != nil {
		errs = append(errs, fmt.Errorf("clearing session keys: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrLoggedOut}, errs...)...)
	}
	return ErrLoggedOut
}

// ---------- State ----------

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = time.Now()
	observers := s.observers
	s.mu.Unlock()

	metrics.SetSessionState(string(to), allStates...)
	s.logger.Debug("supervisor: state changed", "from", from, "to", to)
	for _, fn := range observers {
		fn(from, to)
	}
}

func (s *Supervisor) setLastReason(reason string) {
	s.mu.Lock()
	s.lastReason = reason
	s.mu.Unlock()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Restarts returns how many times a session was rebuilt.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Status returns a snapshot for the status endpoint.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		Instance:        s.cfg.Instance,
		State:           s.state,
		Since:           s.since,
		Restarts:        s.restarts,
		LastCloseReason: s.lastReason,
	}
	session := s.session
	s.mu.RUnlock()

	if session != nil && st.State != StateLoggedOut {
		h := session.Health()
		st.Session = &h
	}
	return st
}
