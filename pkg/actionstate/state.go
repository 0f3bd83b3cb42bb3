// Package actionstate provides the property bag ETL actions use to pass state
// between pipeline stages and between invocations.
//
// A State is either intra-action (private to the action that created it, keyed
// by a hash of the action name) or inter-action (a shared contract keyed by a
// caller-chosen name). Properties form an open schema: any JSON-representable
// value may be stored and read back through the typed accessors.
package actionstate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// MaxKeyBytes is the width of the state_key column.
const MaxKeyBytes = 64

// Type scopes a state object.
type Type string

const (
	IntraAction Type = "intra-action"
	InterAction Type = "inter-action"
)

// Metadata describes a stored state object without its payload.
type Metadata struct {
	Key             string    `json:"key"`
	Type            Type      `json:"type"`
	CreatingAction  string    `json:"creating_action"`
	ModifyingAction string    `json:"modifying_action,omitempty"`
	CreationTime    time.Time `json:"creation_time"`
	ModifiedTime    time.Time `json:"modified_time"`
	SizeBytes       int64     `json:"size_bytes"`
}

// State is a mutable property bag with metadata.
type State struct {
	Metadata
	props map[string]any
}

// IntraKey derives the private key for an action. The same action name always
// yields the same key, so an action finds its state again on the next run.
func IntraKey(actionName string) string {
	sum := sha256.Sum256([]byte(actionName))
	return "intra-" + hex.EncodeToString(sum[:])[:56]
}

// ValidateKey rejects empty keys and keys wider than the state_key column.
func ValidateKey(key string) error {
	if key == "" {
		return etlerrors.New(etlerrors.CodePersistence, "state key is empty")
	}
	if len(key) > MaxKeyBytes {
		return etlerrors.New(etlerrors.CodePersistence, "state key exceeds 64 bytes").
			WithContext("key", key).
			WithContext("bytes", len(key))
	}
	return nil
}

// New creates an empty state object. An empty key creates an intra-action state
// for actionName; otherwise the state is an inter-action contract.
func New(actionName, key string) (*State, error) {
	typ := InterAction
	if key == "" {
		key = IntraKey(actionName)
		typ = IntraAction
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &State{
		Metadata: Metadata{
			Key:            key,
			Type:           typ,
			CreatingAction: actionName,
			CreationTime:   now,
			ModifiedTime:   now,
		},
		props: make(map[string]any),
	}, nil
}

// Set stores a value.
func (s *State) Set(name string, value any) {
	if s.props == nil {
		s.props = make(map[string]any)
	}
	s.props[name] = value
}

// Get returns the raw value of a property.
func (s *State) Get(name string) (any, bool) {
	v, ok := s.props[name]
	return v, ok
}

// Has reports whether a property is set.
func (s *State) Has(name string) bool {
	_, ok := s.props[name]
	return ok
}

// Delete removes a property.
func (s *State) Delete(name string) {
	delete(s.props, name)
}

// Keys returns property names in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.props))
	for k := range s.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of properties.
func (s *State) Len() int { return len(s.props) }

// String returns a string property.
func (s *State) String(name string) (string, bool) {
	switch v := s.props[name].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// Int64 returns an integer property. Decoded numbers arrive as json.Number;
// floats are accepted when they hold a whole number.
func (s *State) Int64(name string) (int64, bool) {
	switch v := s.props[name].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v), true
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err == nil && f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), true
		}
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Float64 returns a numeric property.
func (s *State) Float64(name string) (float64, bool) {
	switch v := s.props[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean property.
func (s *State) Bool(name string) (bool, bool) {
	v, ok := s.props[name].(bool)
	return v, ok
}

// Time returns a time property. Times are stored as RFC 3339 strings once the
// state has been through a save/load cycle.
func (s *State) Time(name string) (time.Time, bool) {
	switch v := s.props[name].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// envelope is the self-describing encoding written to the state_object column.
type envelope struct {
	Version    int            `json:"version"`
	Key        string         `json:"key"`
	Type       Type           `json:"type"`
	Properties map[string]any `json:"properties"`
}

const encodingVersion = 1

// Encode serializes the state payload.
func (s *State) Encode() ([]byte, error) {
	props := s.props
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(envelope{
		Version:    encodingVersion,
		Key:        s.Key,
		Type:       s.Type,
		Properties: props,
	})
	if err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeSerialization, "encoding action state").
			WithContext("key", s.Key)
	}
	return data, nil
}

// Decode rebuilds a state object from stored metadata and payload.
func Decode(meta Metadata, data []byte) (*State, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeSerialization, "decoding action state").
			WithContext("key", meta.Key)
	}
	if env.Version != encodingVersion {
		return nil, etlerrors.New(etlerrors.CodeSerialization, "unsupported action state encoding").
			WithContext("key", meta.Key).
			WithContext("version", env.Version)
	}
	if env.Properties == nil {
		env.Properties = make(map[string]any)
	}
	if meta.Type == "" {
		meta.Type = env.Type
	}
	return &State{Metadata: meta, props: env.Properties}, nil
}

// Touch records a modification by actionName and the encoded payload size.
func (s *State) Touch(actionName string, size int) {
	s.ModifyingAction = actionName
	s.ModifiedTime = time.Now().UTC()
	s.SizeBytes = int64(size)
}
