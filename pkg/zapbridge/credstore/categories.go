package credstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// Category names a family of keys. The set is closed; every category has a
// codec in the codecs table.
type Category string

const (
	// CategoryAppStateSyncKey holds app-state sync keys shared by the
	// primary device.
	CategoryAppStateSyncKey Category = "app-state-sync-key"
	// CategoryLIDMapping maps a LID user to its phone-number JID.
	CategoryLIDMapping Category = "lid-mapping"
	// CategoryPNMapping is the reverse of CategoryLIDMapping.
	CategoryPNMapping Category = "pn-mapping"
	// CategoryPushName caches the last push name seen for a JID.
	CategoryPushName Category = "push-name"
)

// Value is a decoded key value. Each category has exactly one value type.
type Value interface {
	Category() Category
}

// AppStateSyncKey wraps the protobuf key data received from the primary
// device.
type AppStateSyncKey struct {
	Data *waE2E.AppStateSyncKeyData
}

func (AppStateSyncKey) Category() Category { return CategoryAppStateSyncKey }

// LIDMapping records the phone-number JID a LID belongs to.
type LIDMapping struct {
	PhoneJID string `json:"phoneJid"`
}

func (LIDMapping) Category() Category { return CategoryLIDMapping }

// PNMapping records the LID a phone-number JID is known by.
type PNMapping struct {
	LID string `json:"lid"`
}

func (PNMapping) Category() Category { return CategoryPNMapping }

// PushName is the display name a contact last announced.
type PushName struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (PushName) Category() Category { return CategoryPushName }

type codec struct {
	encode func(Value) (string, error)
	decode func(string) (Value, error)
}

var codecs = map[Category]codec{
	CategoryAppStateSyncKey: {encode: encodeAppStateSyncKey, decode: decodeAppStateSyncKey},
	CategoryLIDMapping: {
		encode: encodeJSON,
		decode: func(raw string) (Value, error) {
			var v LIDMapping
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	},
	CategoryPNMapping: {
		encode: encodeJSON,
		decode: func(raw string) (Value, error) {
			var v PNMapping
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	},
	CategoryPushName: {
		encode: encodeJSON,
		decode: func(raw string) (Value, error) {
			var v PushName
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	},
}

func codecFor(c Category) (codec, error) {
	cd, ok := codecs[c]
	if !ok {
		return codec{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return cd, nil
}

func encodeJSON(v Value) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// appStateEnvelope is the stored form of an app-state sync key: the protobuf
// bytes travel base64-encoded inside JSON.
type appStateEnvelope struct {
	Proto []byte `json:"proto"`
}

func encodeAppStateSyncKey(v Value) (string, error) {
	key, ok := v.(AppStateSyncKey)
	if !ok || key.Data == nil {
		return "", fmt.Errorf("app-state sync key without data")
	}
	raw, err := proto.Marshal(key.Data)
	if err != nil {
		return "", fmt.Errorf("marshal key data: %w", err)
	}
	data, err := json.Marshal(appStateEnvelope{Proto: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeAppStateSyncKey unwraps the JSON envelope and then decodes the
// protobuf payload it carries.
func decodeAppStateSyncKey(raw string) (Value, error) {
	var env appStateEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	data := &waE2E.AppStateSyncKeyData{}
	if err := proto.Unmarshal(env.Proto, data); err != nil {
		return nil, fmt.Errorf("unmarshal key data: %w", err)
	}
	return AppStateSyncKey{Data: data}, nil
}
