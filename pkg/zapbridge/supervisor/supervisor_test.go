package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/channels"
	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// script drives a fake session after Connect.
type script func(fs *fakeSession)

type fakeSession struct {
	notify       func(channels.SessionEvent)
	needsPairing bool
	messages     chan *channels.IncomingMessage
	closeOnce    sync.Once
	disconnected atomic.Bool
	pairingCalls atomic.Int32
	connectErr   error
	run          script
}

func (f *fakeSession) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.run != nil {
		go f.run(f)
	}
	return nil
}

func (f *fakeSession) Disconnect() {
	f.disconnected.Store(true)
	f.closeOnce.Do(func() { close(f.messages) })
}

func (f *fakeSession) NeedsPairing() bool { return f.needsPairing }

func (f *fakeSession) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	f.pairingCalls.Add(1)
	return "ABCD-EFGH", nil
}

func (f *fakeSession) Receive() <-chan *channels.IncomingMessage { return f.messages }

func (f *fakeSession) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	return nil
}

func (f *fakeSession) SelfIDs() []string { return nil }

func (f *fakeSession) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: !f.disconnected.Load()}
}

type fakeFactory struct {
	mu       sync.Mutex
	scripts  []script
	sessions []*fakeSession
	pairing  bool
	connErr  error

	// buildErrs fails the NewSession call with the given 1-based number.
	buildErrs map[int]error
	calls     int
}

func (f *fakeFactory) NewSession(ctx context.Context, creds *credstore.Credentials, notify func(channels.SessionEvent)) (channels.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.buildErrs[f.calls]; err != nil {
		return nil, err
	}
	idx := len(f.sessions)
	fs := &fakeSession{
		notify:       notify,
		needsPairing: f.pairing,
		messages:     make(chan *channels.IncomingMessage, 16),
	}
	if idx == 0 {
		fs.connectErr = f.connErr
	}
	if idx < len(f.scripts) {
		fs.run = f.scripts[idx]
	}
	f.sessions = append(f.sessions, fs)
	return fs, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

type memCreds struct {
	mu      sync.Mutex
	creds   credstore.Credentials
	saves   []credstore.Credentials
	loadErr error
	saveErr error

	// loadErrs fails the load with the given 1-based number.
	loadErrs map[int]error
	loads    int
	clears   int
	clearErr error
}

func (m *memCreds) LoadCredentials(ctx context.Context, instance string) (*credstore.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if err := m.loadErrs[m.loads]; err != nil {
		return nil, err
	}
	c := m.creds
	return &c, nil
}

func (m *memCreds) SaveCredentials(ctx context.Context, instance string, creds *credstore.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.creds = *creds
	m.saves = append(m.saves, *creds)
	return nil
}

func (m *memCreds) ClearKeys(ctx context.Context, instance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return m.clearErr
}

func closed(reason string, loggedOut bool) script {
	return func(fs *fakeSession) {
		fs.notify(channels.SessionEvent{Kind: channels.EventConnected})
		fs.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: reason, LoggedOut: loggedOut})
	}
}

func runWithTimeout(t *testing.T, sup *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Run(ctx)
	if ctx.Err() != nil {
		t.Fatal("Run did not finish before the test deadline")
	}
	return err
}

func TestSupervisor_LoggedOutIsTerminal(t *testing.T) {
	factory := &fakeFactory{scripts: []script{closed("logged_out: 401", true)}}
	creds := &memCreds{creds: credstore.Credentials{Registered: true, DeviceJID: "5511:1@s.whatsapp.net"}}
	sup := New(Config{RestartDelay: time.Millisecond}, factory, creds, nil, testLogger)

	err := runWithTimeout(t, sup)
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v, want ErrLoggedOut", err)
	}
	if factory.count() != 1 {
		t.Errorf("sessions created = %d, want 1", factory.count())
	}
	if sup.State() != StateLoggedOut {
		t.Errorf("state = %s, want logged_out", sup.State())
	}
	if creds.creds.Registered || creds.creds.DeviceJID != "" {
		t.Errorf("credentials not invalidated: %+v", creds.creds)
	}
	if creds.clears != 1 {
		t.Errorf("session keys cleared %d times, want 1", creds.clears)
	}
	if !factory.session(0).disconnected.Load() {
		t.Error("session not disconnected")
	}
}

func TestSupervisor_LogoutClearFailureReported(t *testing.T) {
	clearErr := errors.New("database is locked")
	factory := &fakeFactory{scripts: []script{closed("logged_out: 401", true)}}
	creds := &memCreds{creds: credstore.Credentials{Registered: true}, clearErr: clearErr}
	sup := New(Config{}, factory, creds, nil, testLogger)

	err := runWithTimeout(t, sup)
	if !errors.Is(err, ErrLoggedOut) || !errors.Is(err, clearErr) {
		t.Errorf("Run() error = %v, want ErrLoggedOut and %v", err, clearErr)
	}
	if creds.creds.Registered {
		t.Error("credentials saved as registered")
	}
}

func TestSupervisor_TransientClosureRestartsOnce(t *testing.T) {
	reasons := []string{"connection_lost", "stream_replaced", "stream_error: 503"}

	for _, reason := range reasons {
		t.Run(reason, func(t *testing.T) {
			factory := &fakeFactory{scripts: []script{
				closed(reason, false),
				closed("logged_out", true),
			}}
			creds := &memCreds{creds: credstore.Credentials{Registered: true}}
			sup := New(Config{RestartDelay: time.Millisecond}, factory, creds, nil, testLogger)

			err := runWithTimeout(t, sup)
			if !errors.Is(err, ErrLoggedOut) {
				t.Fatalf("Run() error = %v", err)
			}
			if factory.count() != 2 {
				t.Errorf("sessions created = %d, want 2", factory.count())
			}
			if sup.Restarts() != 1 {
				t.Errorf("restarts = %d, want 1", sup.Restarts())
			}
		})
	}
}

func TestSupervisor_ConnectErrorRestarts(t *testing.T) {
	factory := &fakeFactory{
		connErr: errors.New("dial tcp: connection refused"),
		scripts: []script{nil, closed("logged_out", true)},
	}
	sup := New(Config{RestartDelay: time.Millisecond}, factory, &memCreds{}, nil, testLogger)

	if err := runWithTimeout(t, sup); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v", err)
	}
	if factory.count() != 2 {
		t.Errorf("sessions created = %d, want 2", factory.count())
	}
}

func TestSupervisor_PairingCodeRequestedOnce(t *testing.T) {
	factory := &fakeFactory{
		pairing: true,
		scripts: []script{
			func(fs *fakeSession) {
				// Give the pairing request time to run before closing.
				time.Sleep(20 * time.Millisecond)
				fs.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: "qr_timeout"})
			},
			func(fs *fakeSession) {
				time.Sleep(20 * time.Millisecond)
				fs.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: "logged_out", LoggedOut: true})
			},
		},
	}

	var mu sync.Mutex
	var codes []string
	sup := New(Config{PairingPhone: "5511999999999", RestartDelay: time.Millisecond},
		factory, &memCreds{}, nil, testLogger,
		WithPairingCodeHandler(func(phone, code string) {
			mu.Lock()
			defer mu.Unlock()
			codes = append(codes, phone+"="+code)
		}))

	if err := runWithTimeout(t, sup); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v", err)
	}

	total := factory.session(0).pairingCalls.Load() + factory.session(1).pairingCalls.Load()
	if total != 1 {
		t.Errorf("pairing code requested %d times, want 1", total)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 1 || codes[0] != "5511999999999=ABCD-EFGH" {
		t.Errorf("pairing callback received %v", codes)
	}
}

func TestSupervisor_RegisteredSessionSkipsPairing(t *testing.T) {
	factory := &fakeFactory{scripts: []script{closed("logged_out", true)}}
	creds := &memCreds{creds: credstore.Credentials{Registered: true}}
	sup := New(Config{PairingPhone: "5511999999999"}, factory, creds, nil, testLogger)

	_ = runWithTimeout(t, sup)
	if n := factory.session(0).pairingCalls.Load(); n != 0 {
		t.Errorf("pairing requested %d times for a registered device", n)
	}
}

func TestSupervisor_PairedCredentialsSaved(t *testing.T) {
	factory := &fakeFactory{scripts: []script{func(fs *fakeSession) {
		fs.notify(channels.SessionEvent{Kind: channels.EventPaired, Pairing: &channels.PairingInfo{
			DeviceJID: "5511999999999:4@s.whatsapp.net",
			LID:       "777@lid",
			Platform:  "android",
		}})
		fs.notify(channels.SessionEvent{Kind: channels.EventConnected})
		fs.notify(channels.SessionEvent{Kind: channels.EventClosed, LoggedOut: true})
	}}}
	creds := &memCreds{}
	sup := New(Config{}, factory, creds, nil, testLogger)

	_ = runWithTimeout(t, sup)

	if len(creds.saves) < 1 {
		t.Fatal("paired credentials not saved")
	}
	paired := creds.saves[0]
	if !paired.Registered || paired.DeviceJID != "5511999999999:4@s.whatsapp.net" || paired.LID != "777@lid" {
		t.Errorf("saved credentials = %+v", paired)
	}
	if paired.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not set")
	}
}

func TestSupervisor_SaveFailureIsFatal(t *testing.T) {
	saveErr := errors.New("disk full")
	factory := &fakeFactory{scripts: []script{func(fs *fakeSession) {
		fs.notify(channels.SessionEvent{Kind: channels.EventPaired, Pairing: &channels.PairingInfo{DeviceJID: "1:1@s.whatsapp.net"}})
	}}}
	sup := New(Config{}, factory, &memCreds{saveErr: saveErr}, nil, testLogger)

	err := runWithTimeout(t, sup)
	if !errors.Is(err, saveErr) {
		t.Errorf("Run() error = %v, want %v", err, saveErr)
	}
	if factory.count() != 1 {
		t.Errorf("sessions created = %d, want 1", factory.count())
	}
}

func TestSupervisor_LoadFailureBlocksStart(t *testing.T) {
	loadErr := errors.New("connection refused")
	factory := &fakeFactory{}
	sup := New(Config{}, factory, &memCreds{loadErr: loadErr}, nil, testLogger)

	if err := runWithTimeout(t, sup); !errors.Is(err, loadErr) {
		t.Errorf("Run() error = %v, want %v", err, loadErr)
	}
	if factory.count() != 0 {
		t.Error("session created despite load failure")
	}
}

func TestSupervisor_StartFailuresDuringRestartAreRetried(t *testing.T) {
	factory := &fakeFactory{
		scripts: []script{
			closed("connection_lost", false),
			closed("logged_out", true),
		},
		buildErrs: map[int]error{2: errors.New("session store unavailable")},
	}
	// Load 2 fails, load 3 succeeds but building the session fails, load 4
	// starts the final session.
	creds := &memCreds{
		creds:    credstore.Credentials{Registered: true},
		loadErrs: map[int]error{2: errors.New("connection refused")},
	}
	sup := New(Config{RestartDelay: time.Millisecond}, factory, creds, nil, testLogger)

	err := runWithTimeout(t, sup)
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v, want ErrLoggedOut", err)
	}
	if creds.loads != 4 {
		t.Errorf("credential loads = %d, want 4", creds.loads)
	}
	if factory.count() != 2 {
		t.Errorf("sessions created = %d, want 2", factory.count())
	}
	if sup.Restarts() != 3 {
		t.Errorf("restarts = %d, want 3", sup.Restarts())
	}
}

func TestSupervisor_FirstSessionBuildFailureIsFatal(t *testing.T) {
	buildErr := errors.New("session store unavailable")
	factory := &fakeFactory{buildErrs: map[int]error{1: buildErr}}
	sup := New(Config{RestartDelay: time.Millisecond}, factory, &memCreds{}, nil, testLogger)

	if err := runWithTimeout(t, sup); !errors.Is(err, buildErr) {
		t.Errorf("Run() error = %v, want %v", err, buildErr)
	}
	if sup.Restarts() != 0 {
		t.Errorf("restarts = %d, want 0", sup.Restarts())
	}
}

func TestSupervisor_MessagesHandledInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handled := make(chan struct{}, 3)

	factory := &fakeFactory{scripts: []script{func(fs *fakeSession) {
		fs.notify(channels.SessionEvent{Kind: channels.EventConnected})
		for _, id := range []string{"m1", "m2", "m3"} {
			fs.messages <- &channels.IncomingMessage{ID: id}
		}
		for i := 0; i < 3; i++ {
			<-handled
		}
		fs.notify(channels.SessionEvent{Kind: channels.EventClosed, LoggedOut: true})
	}}}

	handler := func(ctx context.Context, session channels.Session, msg *channels.IncomingMessage) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		handled <- struct{}{}
	}
	sup := New(Config{}, factory, &memCreds{}, handler, testLogger)

	_ = runWithTimeout(t, sup)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("handled order = %v", got)
	}
}

func TestSupervisor_StaleSessionEventsDiscarded(t *testing.T) {
	var first *fakeSession
	var staleSent atomic.Bool

	factory := &fakeFactory{scripts: []script{
		func(fs *fakeSession) {
			first = fs
			fs.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: "connection_lost"})
		},
		func(fs *fakeSession) {
			// The old session reports a logout after it was replaced.
			first.notify(channels.SessionEvent{Kind: channels.EventClosed, LoggedOut: true})
			staleSent.Store(true)
			fs.notify(channels.SessionEvent{Kind: channels.EventConnected})
			fs.notify(channels.SessionEvent{Kind: channels.EventClosed, Reason: "stream_replaced"})
		},
		closed("logged_out", true),
	}}
	sup := New(Config{RestartDelay: time.Millisecond}, factory, &memCreds{}, nil, testLogger)

	if err := runWithTimeout(t, sup); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run() error = %v", err)
	}
	if !staleSent.Load() {
		t.Fatal("stale event was not sent")
	}
	if factory.count() != 3 {
		t.Errorf("sessions created = %d, want 3 (stale logout must be ignored)", factory.count())
	}
	if sup.Restarts() != 2 {
		t.Errorf("restarts = %d, want 2", sup.Restarts())
	}
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	factory := &fakeFactory{scripts: []script{func(fs *fakeSession) {
		fs.notify(channels.SessionEvent{Kind: channels.EventConnected})
	}}}
	var transitions []State
	var mu sync.Mutex
	sup := New(Config{}, factory, &memCreds{}, nil, testLogger,
		WithStateObserver(func(from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for sup.State() != StateOnline {
		select {
		case <-deadline:
			t.Fatal("supervisor never came online")
		case <-time.After(5 * time.Millisecond):
		}
	}

	st := sup.Status()
	if st.Instance != "default" || st.State != StateOnline || st.Session == nil || !st.Session.Connected {
		t.Errorf("status = %+v", st)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !factory.session(0).disconnected.Load() {
		t.Error("session not disconnected on shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOnline, StateDisconnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
