// Package remotedata caches the timestamped documents delivered by the
// remote-data feed and decides when the feed should be refreshed.
package remotedata

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
)

// ErrStalePayload is returned by Cache.Put for a payload older than the one
// already cached for its type. Callers drop it.
var ErrStalePayload = errors.New("stale remote-data payload")

// Well-known payload types.
const (
	TypeAppConfig = "app_config"
)

// Metadata records the device state a payload was fetched with.
type Metadata map[string]string

// Metadata keys.
const (
	MetadataSDKVersion = "sdk_version"
	MetadataLanguage   = "language"
	MetadataCountry    = "country"
)

// Equal compares two metadata maps; nil equals empty.
func (m Metadata) Equal(o Metadata) bool {
	return maps.Equal(m, o)
}

// Payload is a timestamped document for one logical type. Timestamp is epoch
// milliseconds.
type Payload struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// EmptyPayload is the sentinel returned for a type with nothing cached.
func EmptyPayload(t string) Payload {
	return Payload{Type: t}
}

// IsEmpty reports whether p is the empty sentinel.
func (p Payload) IsEmpty() bool {
	return p.Timestamp == 0 && len(p.Data) == 0
}

// Equal compares payloads field by field.
func (p Payload) Equal(o Payload) bool {
	return p.Type == o.Type &&
		p.Timestamp == o.Timestamp &&
		p.Metadata.Equal(o.Metadata) &&
		bytes.Equal(p.Data, o.Data)
}

// Object decodes Data as a JSON object. An empty payload yields an empty map.
func (p Payload) Object() (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(p.Data) == 0 || string(p.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(p.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
