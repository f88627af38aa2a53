package types

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action identifies the kind of mutation an outbox intent carries.
type Action string

const (
	ActionWrite  Action = "WRITE"
	ActionDelete Action = "DELETE"
	ActionClear  Action = "CLEAR"
)

// Valid reports whether a is a known intent action.
func (a Action) Valid() bool {
	switch a {
	case ActionWrite, ActionDelete, ActionClear:
		return true
	}
	return false
}

// Fields is the domain payload of a document. Values are scalars
// (string, bool, float64, int64, nil) or binary attachments ([]byte).
// Attachments stay in native binary form inside the local store; they are
// only base64-encoded at the transport boundary.
type Fields map[string]any

// Clone returns a deep copy of the fields. Binary values are copied,
// never aliased, so a clone taken at enqueue time is immune to later
// mutation of the original map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Split separates scalar fields from binary attachments for storage.
// The returned maps never alias f.
func (f Fields) Split() (scalars map[string]any, blobs map[string][]byte) {
	scalars = make(map[string]any, len(f))
	for k, v := range f {
		if b, ok := v.([]byte); ok {
			if blobs == nil {
				blobs = make(map[string][]byte)
			}
			cp := make([]byte, len(b))
			copy(cp, b)
			blobs[k] = cp
			continue
		}
		scalars[k] = v
	}
	return scalars, blobs
}

// Join recombines scalar fields and binary attachments into one payload.
func Join(scalars map[string]any, blobs map[string][]byte) Fields {
	out := make(Fields, len(scalars)+len(blobs))
	for k, v := range scalars {
		out[k] = v
	}
	for k, b := range blobs {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[k] = cp
	}
	return out
}

// Key returns the trimmed string form of the named field, used as the
// natural key during identity reconciliation. Non-string scalars are
// formatted; binary values and missing fields yield "".
func (f Fields) Key(name string) string {
	v, ok := f[name]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}

const binaryTag = "$binary"

// EncodeWire converts fields into a transport-safe form: binary values
// become {"$binary": "<base64>"} objects, scalars pass through.
func EncodeWire(f Fields) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if b, ok := v.([]byte); ok {
			out[k] = map[string]any{binaryTag: base64.StdEncoding.EncodeToString(b)}
			continue
		}
		out[k] = v
	}
	return out
}

// DecodeWire converts a transport payload back into fields, restoring
// tagged binary values to []byte.
func DecodeWire(m map[string]any) (Fields, error) {
	out := make(Fields, len(m))
	for k, v := range m {
		tagged, ok := v.(map[string]any)
		if !ok {
			out[k] = v
			continue
		}
		enc, ok := tagged[binaryTag].(string)
		if !ok || len(tagged) != 1 {
			out[k] = v
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode binary field %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// Document is a record in the local store. LocalID is assigned by the
// store and never transmitted; ServerID is empty until the remote store
// has accepted the document.
type Document struct {
	LocalID    int64     `json:"local_id"`
	ServerID   string    `json:"server_id,omitempty"`
	Collection string    `json:"collection"`
	Fields     Fields    `json:"fields"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PendingCreate reports whether the document has not yet been assigned a
// server identity.
func (d Document) PendingCreate() bool {
	return d.ServerID == ""
}

// Identity returns the deduplication identity: the server ID when
// present, otherwise a local fallback key.
func (d Document) Identity() string {
	if d.ServerID != "" {
		return d.ServerID
	}
	return "local:" + strconv.FormatInt(d.LocalID, 10)
}

// Intent is a pending mutation in the outbox. Payload is a deep snapshot
// of the document fields taken at enqueue time. Revision changes when a
// coalescing save replaces the snapshot, so a reader holding a stale
// copy can detect that the intent moved on. Attempts counts every
// dispatch; Rejections counts only remote rejections, which are what
// spend the dead-letter budget.
type Intent struct {
	Sequence       int64     `json:"sequence"`
	Action         Action    `json:"action"`
	Collection     string    `json:"collection"`
	DocLocalID     int64     `json:"doc_local_id,omitempty"`
	ServerID       string    `json:"server_id,omitempty"`
	Payload        Fields    `json:"payload,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	QueuedAt       time.Time `json:"queued_at"`
	Revision       int64     `json:"revision"`
	Attempts       int       `json:"attempts"`
	Rejections     int       `json:"rejections"`
	LastError      string    `json:"last_error,omitempty"`
	Dead           bool      `json:"dead"`
}

// Create reports whether dispatching this intent will create a new
// remote document rather than update an existing one.
func (i Intent) Create() bool {
	return i.Action == ActionWrite && i.ServerID == ""
}

// SyncStatus summarizes the state of the outbox for callers that want to
// observe sync progress without blocking on it.
type SyncStatus struct {
	Pending     int        `json:"pending"`
	Dead        int        `json:"dead"`
	OldestAge   *int64     `json:"oldest_age_seconds,omitempty"`
	LastDrainAt *time.Time `json:"last_drain_at,omitempty"`
	InstanceID  string     `json:"instance_id"`
}
