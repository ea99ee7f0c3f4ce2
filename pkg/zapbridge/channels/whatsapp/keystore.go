package whatsapp

import (
	"bytes"
	"cmp"
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/zapbridge/pkg/zapbridge/credstore"
)

// appStateKeyStore keeps the app-state sync keys of a device in the
// credential store. Key ids are stored hex encoded.
type appStateKeyStore struct {
	keys     *credstore.Store
	instance string
}

var _ store.AppStateSyncKeyStore = (*appStateKeyStore)(nil)

func newAppStateKeyStore(keys *credstore.Store, instance string) *appStateKeyStore {
	return &appStateKeyStore{keys: keys, instance: instance}
}

// PutAppStateSyncKey stores key unless a newer key with the same id exists.
func (a *appStateKeyStore) PutAppStateSyncKey(ctx context.Context, id []byte, key store.AppStateSyncKey) error {
	existing, err := a.GetAppStateSyncKey(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil && existing.Timestamp >= key.Timestamp {
		return nil
	}

	data := &waE2E.AppStateSyncKeyData{
		KeyData:   key.Data,
		Timestamp: proto.Int64(key.Timestamp),
	}
	if len(key.Fingerprint) > 0 {
		fp := &waE2E.AppStateSyncKeyFingerprint{}
		if err := proto.Unmarshal(key.Fingerprint, fp); err != nil {
			return fmt.Errorf("decode key fingerprint: %w", err)
		}
		data.Fingerprint = fp
	}

	var updates credstore.Updates
	updates.Set(credstore.CategoryAppStateSyncKey, hex.EncodeToString(id), credstore.AppStateSyncKey{Data: data})
	return a.keys.SetKeys(ctx, a.instance, updates)
}

func (a *appStateKeyStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*store.AppStateSyncKey, error) {
	keyID := hex.EncodeToString(id)
	found, err := a.keys.GetKeys(ctx, a.instance, credstore.CategoryAppStateSyncKey, []string{keyID})
	if err != nil {
		return nil, err
	}
	v, ok := found[keyID].(credstore.AppStateSyncKey)
	if !ok {
		return nil, nil
	}
	return toDeviceKey(v)
}

// GetLatestAppStateSyncKeyID returns the id of the key with the highest
// timestamp, or nil when none is stored.
func (a *appStateKeyStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	ids, _, err := a.sorted(ctx)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return ids[0], nil
}

// GetAllAppStateSyncKeys returns the stored keys, newest first.
func (a *appStateKeyStore) GetAllAppStateSyncKeys(ctx context.Context) ([]*store.AppStateSyncKey, error) {
	_, keys, err := a.sorted(ctx)
	return keys, err
}

func (a *appStateKeyStore) sorted(ctx context.Context) ([][]byte, []*store.AppStateSyncKey, error) {
	all, err := a.keys.ListKeys(ctx, a.instance, credstore.CategoryAppStateSyncKey)
	if err != nil {
		return nil, nil, err
	}

	type entry struct {
		id  []byte
		key *store.AppStateSyncKey
	}
	entries := make([]entry, 0, len(all))
	for hexID, v := range all {
		id, err := hex.DecodeString(hexID)
		if err != nil {
			continue
		}
		key, err := toDeviceKey(v.(credstore.AppStateSyncKey))
		if err != nil {
			return nil, nil, err
		}
		if len(key.Data) == 0 {
			continue
		}
		entries = append(entries, entry{id: id, key: key})
	}
	slices.SortFunc(entries, func(x, y entry) int {
		if c := cmp.Compare(y.key.Timestamp, x.key.Timestamp); c != 0 {
			return c
		}
		return bytes.Compare(x.id, y.id)
	})

	ids := make([][]byte, len(entries))
	keys := make([]*store.AppStateSyncKey, len(entries))
	for i, e := range entries {
		ids[i], keys[i] = e.id, e.key
	}
	return ids, keys, nil
}

func toDeviceKey(v credstore.AppStateSyncKey) (*store.AppStateSyncKey, error) {
	key := &store.AppStateSyncKey{
		Data:      v.Data.GetKeyData(),
		Timestamp: v.Data.GetTimestamp(),
	}
	if fp := v.Data.GetFingerprint(); fp != nil {
		raw, err := proto.Marshal(fp)
		if err != nil {
			return nil, fmt.Errorf("encode key fingerprint: %w", err)
		}
		key.Fingerprint = raw
	}
	return key, nil
}

// lidStore keeps LID and phone-number mappings in the credential store, one
// category per direction. Resolved mappings are cached in memory since
// whatsmeow consults them on every send.
type lidStore struct {
	keys     *credstore.Store
	instance string

	mu      sync.RWMutex
	lidToPN map[string]string
	pnToLID map[string]string
}

var _ store.LIDStore = (*lidStore)(nil)

func newLIDStore(keys *credstore.Store, instance string) *lidStore {
	return &lidStore{
		keys:     keys,
		instance: instance,
		lidToPN:  make(map[string]string),
		pnToLID:  make(map[string]string),
	}
}

func (l *lidStore) PutLIDMapping(ctx context.Context, lid, pn types.JID) error {
	return l.PutManyLIDMappings(ctx, []store.LIDMapping{{LID: lid, PN: pn}})
}

// PutManyLIDMappings stores mappings, ignoring entries whose JIDs are not a
// LID and a phone number. A mapping replaces any earlier mapping of either
// side.
func (l *lidStore) PutManyLIDMappings(ctx context.Context, mappings []store.LIDMapping) error {
	lidToPN := make(map[string]string, len(mappings))
	pnToLID := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.LID.Server != types.HiddenUserServer || m.PN.Server != types.DefaultUserServer {
			continue
		}
		lid, pn := mappingKey(m.LID), mappingKey(m.PN)
		if old, ok := lidToPN[lid]; ok {
			delete(pnToLID, old)
		}
		if old, ok := pnToLID[pn]; ok {
			delete(lidToPN, old)
		}
		lidToPN[lid] = pn
		pnToLID[pn] = lid
	}
	if len(lidToPN) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lids := make([]string, 0, len(lidToPN))
	for lid := range lidToPN {
		lids = append(lids, lid)
	}
	pns := make([]string, 0, len(pnToLID))
	for pn := range pnToLID {
		pns = append(pns, pn)
	}
	oldPNs, err := l.keys.GetKeys(ctx, l.instance, credstore.CategoryLIDMapping, lids)
	if err != nil {
		return err
	}
	oldLIDs, err := l.keys.GetKeys(ctx, l.instance, credstore.CategoryPNMapping, pns)
	if err != nil {
		return err
	}

	// Stale reverse entries go first so the new mappings win when a batch
	// both drops and re-adds a key.
	var updates credstore.Updates
	for lid, pn := range lidToPN {
		if old, ok := oldPNs[lid].(credstore.LIDMapping); ok && old.PhoneJID != pn {
			updates.Delete(credstore.CategoryPNMapping, old.PhoneJID)
		}
	}
	for pn, lid := range pnToLID {
		if old, ok := oldLIDs[pn].(credstore.PNMapping); ok && old.LID != lid {
			updates.Delete(credstore.CategoryLIDMapping, old.LID)
		}
	}
	for lid, pn := range lidToPN {
		updates.Set(credstore.CategoryLIDMapping, lid, credstore.LIDMapping{PhoneJID: pn})
		updates.Set(credstore.CategoryPNMapping, pn, credstore.PNMapping{LID: lid})
	}
	if err := l.keys.SetKeys(ctx, l.instance, updates); err != nil {
		return err
	}

	for _, u := range updates {
		switch u.Category {
		case credstore.CategoryLIDMapping:
			delete(l.lidToPN, u.ID)
		case credstore.CategoryPNMapping:
			delete(l.pnToLID, u.ID)
		}
	}
	for lid, pn := range lidToPN {
		l.lidToPN[lid] = pn
		l.pnToLID[pn] = lid
	}
	return nil
}

func (l *lidStore) GetPNForLID(ctx context.Context, lid types.JID) (types.JID, error) {
	if lid.Server != types.HiddenUserServer {
		return types.JID{}, fmt.Errorf("invalid GetPNForLID call with non-LID JID %s", lid)
	}
	found, err := l.lookup(ctx, credstore.CategoryLIDMapping, []types.JID{lid})
	if err != nil {
		return types.JID{}, err
	}
	return withDevice(found[mappingKey(lid)], lid.Device)
}

func (l *lidStore) GetLIDForPN(ctx context.Context, pn types.JID) (types.JID, error) {
	if pn.Server != types.DefaultUserServer {
		return types.JID{}, fmt.Errorf("invalid GetLIDForPN call with non-PN JID %s", pn)
	}
	found, err := l.lookup(ctx, credstore.CategoryPNMapping, []types.JID{pn})
	if err != nil {
		return types.JID{}, err
	}
	return withDevice(found[mappingKey(pn)], pn.Device)
}

// GetManyLIDsForPNs returns the LIDs of the phone numbers that have one.
func (l *lidStore) GetManyLIDsForPNs(ctx context.Context, pns []types.JID) (map[types.JID]types.JID, error) {
	if len(pns) == 0 {
		return nil, nil
	}
	valid := slices.DeleteFunc(slices.Clone(pns), func(pn types.JID) bool {
		return pn.Server != types.DefaultUserServer
	})
	found, err := l.lookup(ctx, credstore.CategoryPNMapping, valid)
	if err != nil {
		return nil, err
	}
	out := make(map[types.JID]types.JID, len(found))
	for _, pn := range valid {
		target, ok := found[mappingKey(pn)]
		if !ok {
			continue
		}
		jid, err := withDevice(target, pn.Device)
		if err != nil {
			return nil, err
		}
		out[pn] = jid
	}
	return out, nil
}

// lookup resolves jids in category, consulting the cache before the
// credential store. Missing entries are absent from the result.
func (l *lidStore) lookup(ctx context.Context, category credstore.Category, jids []types.JID) (map[string]string, error) {
	cache := l.lidToPN
	if category == credstore.CategoryPNMapping {
		cache = l.pnToLID
	}

	out := make(map[string]string, len(jids))
	var missing []string
	l.mu.RLock()
	for _, jid := range jids {
		key := mappingKey(jid)
		if target, ok := cache[key]; ok {
			out[key] = target
		} else {
			missing = append(missing, key)
		}
	}
	l.mu.RUnlock()
	if len(missing) == 0 {
		return out, nil
	}

	found, err := l.keys.GetKeys(ctx, l.instance, category, missing)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range found {
		var target string
		switch m := v.(type) {
		case credstore.LIDMapping:
			target = m.PhoneJID
		case credstore.PNMapping:
			target = m.LID
		}
		if target == "" {
			continue
		}
		cache[key] = target
		out[key] = target
	}
	return out, nil
}

// mappingKey is the device-less form of jid used as the key id.
func mappingKey(jid types.JID) string {
	return jid.ToNonAD().String()
}

// withDevice parses a stored device-less JID and applies device to it. An
// empty target yields the empty JID.
func withDevice(target string, device uint16) (types.JID, error) {
	if target == "" {
		return types.JID{}, nil
	}
	jid, err := types.ParseJID(target)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse stored mapping %q: %w", target, err)
	}
	jid.Device = device
	return jid, nil
}
