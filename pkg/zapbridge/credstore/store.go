// Package credstore persists the bridge's session credentials and auxiliary
// keys per instance in the datastore.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownCategory is returned for keys outside the known category set.
var ErrUnknownCategory = errors.New("unknown key category")

// Error reports a failed credential store operation.
type Error struct {
	Op       string
	Instance string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credstore %s [%s]: %v", e.Op, e.Instance, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Credentials is the per-instance session record.
type Credentials struct {
	Registered   bool      `json:"registered"`
	DeviceJID    string    `json:"deviceJid,omitempty"`
	LID          string    `json:"lid,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	BusinessName string    `json:"businessName,omitempty"`
	PushName     string    `json:"pushName,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// KeyRow is one stored key in its encoded form.
type KeyRow struct {
	Category Category
	ID       string
	Value    string
}

// Backend is the raw storage used by Store.
type Backend interface {
	GetCredentials(ctx context.Context, instance string) (data string, found bool, err error)
	InsertCredentialsIfAbsent(ctx context.Context, instance, data string) error
	PutCredentials(ctx context.Context, instance, data string) error
	ListInstances(ctx context.Context) ([]string, error)

	GetKeys(ctx context.Context, instance string, category Category, ids []string) (map[string]string, error)
	ListKeys(ctx context.Context, instance string, category Category) (map[string]string, error)
	// UpsertKeys writes all rows in a single transaction.
	UpsertKeys(ctx context.Context, instance string, rows []KeyRow) error
	DeleteKey(ctx context.Context, instance string, category Category, id string) error
	ClearKeys(ctx context.Context, instance string) error
}

// Store encodes and decodes credentials and typed keys over a Backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a store over backend.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "credstore"),
		now:     time.Now,
	}
}

// LoadCredentials returns the credentials of instance, creating and storing
// a fresh unregistered record the first time. Concurrent first loads settle
// on whichever record was inserted first.
func (s *Store) LoadCredentials(ctx context.Context, instance string) (*Credentials, error) {
	data, found, err := s.backend.GetCredentials(ctx, instance)
	if err != nil {
		return nil, &Error{Op: "load", Instance: instance, Err: err}
	}

	if !found {
		fresh, err := json.Marshal(&Credentials{CreatedAt: s.now().UTC()})
		if err != nil {
			return nil, &Error{Op: "load", Instance: instance, Err: err}
		}
		if err := s.backend.InsertCredentialsIfAbsent(ctx, instance, string(fresh)); err != nil {
			return nil, &Error{Op: "bootstrap", Instance: instance, Err: err}
		}
		data, found, err = s.backend.GetCredentials(ctx, instance)
		if err != nil {
			return nil, &Error{Op: "load", Instance: instance, Err: err}
		}
		if !found {
			return nil, &Error{Op: "load", Instance: instance, Err: errors.New("record missing after bootstrap")}
		}
		s.logger.Info("credstore: initialized credentials", "instance", instance)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, &Error{Op: "decode", Instance: instance, Err: err}
	}
	return &creds, nil
}

// SaveCredentials persists creds. Callers must save after every mutation.
func (s *Store) SaveCredentials(ctx context.Context, instance string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return &Error{Op: "save", Instance: instance, Err: err}
	}
	if err := s.backend.PutCredentials(ctx, instance, string(data)); err != nil {
		return &Error{Op: "save", Instance: instance, Err: err}
	}
	return nil
}

// Instances lists the instances that have stored credentials.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	ids, err := s.backend.ListInstances(ctx)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	return ids, nil
}

// GetKeys looks up ids in category. Every requested id is present in the
// result; ids without a stored value map to nil.
func (s *Store) GetKeys(ctx context.Context, instance string, category Category, ids []string) (map[string]Value, error) {
	cd, err := codecFor(category)
	if err != nil {
		return nil, &Error{Op: "get", Instance: instance, Err: err}
	}

	out := make(map[string]Value, len(ids))
	for _, id := range ids {
		out[id] = nil
	}
	if len(ids) == 0 {
		return out, nil
	}

	raw, err := s.backend.GetKeys(ctx, instance, category, ids)
	if err != nil {
		return nil, &Error{Op: "get", Instance: instance, Err: err}
	}
	for id, data := range raw {
		v, err := cd.decode(data)
		if err != nil {
			s.logger.Warn("credstore: undecodable key ignored",
				"instance", instance, "category", category, "id", id, "error", err)
			continue
		}
		out[id] = v
	}
	return out, nil
}

// ListKeys returns every decodable key stored in category.
func (s *Store) ListKeys(ctx context.Context, instance string, category Category) (map[string]Value, error) {
	cd, err := codecFor(category)
	if err != nil {
		return nil, &Error{Op: "list", Instance: instance, Err: err}
	}
	raw, err := s.backend.ListKeys(ctx, instance, category)
	if err != nil {
		return nil, &Error{Op: "list", Instance: instance, Err: err}
	}
	out := make(map[string]Value, len(raw))
	for id, data := range raw {
		v, err := cd.decode(data)
		if err != nil {
			s.logger.Warn("credstore: undecodable key ignored",
				"instance", instance, "category", category, "id", id, "error", err)
			continue
		}
		out[id] = v
	}
	return out, nil
}

// Update is one key mutation. A nil Value deletes the key.
type Update struct {
	Category Category
	ID       string
	Value    Value
}

// Updates is an ordered batch of key mutations.
type Updates []Update

// Set appends an upsert.
func (u *Updates) Set(category Category, id string, v Value) {
	*u = append(*u, Update{Category: category, ID: id, Value: v})
}

// Delete appends a deletion.
func (u *Updates) Delete(category Category, id string) {
	*u = append(*u, Update{Category: category, ID: id})
}

type keyRef struct {
	category Category
	id       string
}

// SetKeys applies updates. When a key appears more than once the last
// mutation wins. Upserts are written in one transaction; deletes are then
// committed one at a time in the order they were emitted.
func (s *Store) SetKeys(ctx context.Context, instance string, updates Updates) error {
	last := make(map[keyRef]int, len(updates))
	for i, u := range updates {
		if _, err := codecFor(u.Category); err != nil {
			return &Error{Op: "set", Instance: instance, Err: err}
		}
		last[keyRef{u.Category, u.ID}] = i
	}

	var upserts []KeyRow
	var deletes []keyRef
	for i, u := range updates {
		ref := keyRef{u.Category, u.ID}
		if last[ref] != i {
			continue
		}
		if u.Value == nil {
			deletes = append(deletes, ref)
			continue
		}
		if u.Value.Category() != u.Category {
			return &Error{Op: "set", Instance: instance,
				Err: fmt.Errorf("value of category %q stored under %q", u.Value.Category(), u.Category)}
		}
		encoded, err := codecs[u.Category].encode(u.Value)
		if err != nil {
			return &Error{Op: "encode", Instance: instance, Err: fmt.Errorf("%s/%s: %w", u.Category, u.ID, err)}
		}
		upserts = append(upserts, KeyRow{Category: u.Category, ID: u.ID, Value: encoded})
	}

	if len(upserts) > 0 {
		if err := s.backend.UpsertKeys(ctx, instance, upserts); err != nil {
			return &Error{Op: "set", Instance: instance, Err: err}
		}
	}
	for _, d := range deletes {
		if err := s.backend.DeleteKey(ctx, instance, d.category, d.id); err != nil {
			return &Error{Op: "delete", Instance: instance, Err: fmt.Errorf("%s/%s: %w", d.category, d.id, err)}
		}
	}
	return nil
}

// ClearKeys removes every key of instance.
func (s *Store) ClearKeys(ctx context.Context, instance string) error {
	if err := s.backend.ClearKeys(ctx, instance); err != nil {
		return &Error{Op: "clear", Instance: instance, Err: err}
	}
	return nil
}
