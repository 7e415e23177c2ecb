package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/r3e-network/agent-sentinel/pkg/svcerrors"
)

// Encode renders e to its canonical wire form: a compact JSON object whose
// top-level and nested object keys are emitted in strict lexicographic
// order, with no insignificant whitespace, so that Encode(e) is byte-for-
// byte identical for any two Envelope values that are semantically equal
//.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, svcerrors.MalformedEvent("nil envelope", nil)
	}

	payload, err := encodePayload(e.Payload)
	if err != nil {
		return nil, svcerrors.MalformedEvent("encode payload", err)
	}

	meta, err := canonicalMeta(e.Meta)
	if err != nil {
		return nil, svcerrors.MalformedEvent("encode meta", err)
	}

	pairs := []kv{
		{"agent", rawString(e.Agent)},
		{"id", rawString(e.ID)},
		{"meta", meta},
		{"payload", payload},
	}
	if e.Polarity != nil {
		raw, err := json.Marshal(*e.Polarity)
		if err != nil {
			return nil, svcerrors.MalformedEvent("encode polarity", err)
		}
		pairs = append(pairs, kv{"polarity", raw})
	}
	ts, err := canonicalTimestamp(e.Timestamp)
	if err != nil {
		return nil, svcerrors.MalformedEvent("encode timestamp", err)
	}
	pairs = append(pairs, kv{"timestamp", ts}, kv{"type", rawString(string(e.Type))})

	return canonicalObject(pairs...), nil
}

// wireEnvelope is the plain-struct mirror used only to unmarshal the wire
// form; canonical key order is an encode-time property, not a decode-time
// requirement.
type wireEnvelope struct {
	Agent     string          `json:"agent"`
	ID        string          `json:"id"`
	Meta      wireMeta        `json:"meta"`
	Payload   json.RawMessage `json:"payload"`
	Polarity  *float64        `json:"polarity,omitempty"`
	Timestamp wireTimestamp   `json:"timestamp"`
	Type      Type            `json:"type"`
}

type wireMeta struct {
	ContextHash    string `json:"context_hash"`
	CreditsUsed    int    `json:"credits_used"`
	IntentID       string `json:"intent_id,omitempty"`
	ParentIntentID string `json:"parent_intent_id,omitempty"`
	SessionID      string `json:"session_id"`
}

type wireTimestamp struct {
	Monotonic int64  `json:"monotonic"`
	Wall      string `json:"wall"`
}

// Decode parses the canonical wire form back into an Envelope, rejecting
// anything that would violate the invariants New enforces. There is no
// partial decode: any invariant violation returns an
// svcerrors.ErrCodeMalformedEvent error and a nil Envelope.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, svcerrors.MalformedEvent("invalid envelope JSON", err)
	}

	if !w.Type.valid() {
		return nil, svcerrors.MalformedEvent(fmt.Sprintf("unknown type %q", w.Type), nil)
	}
	if w.Agent == "" {
		return nil, svcerrors.MalformedEvent("missing agent", nil)
	}
	if w.ID == "" {
		return nil, svcerrors.MalformedEvent("missing id", nil)
	}
	if w.Meta.CreditsUsed < 0 {
		return nil, svcerrors.MalformedEvent("negative credits_used", nil)
	}
	if w.Polarity != nil && (*w.Polarity < -1.0 || *w.Polarity > 1.0) {
		return nil, svcerrors.MalformedEvent("polarity out of [-1,1]", nil)
	}

	wall, err := time.Parse(time.RFC3339Nano, w.Timestamp.Wall)
	if err != nil {
		return nil, svcerrors.MalformedEvent("invalid timestamp.wall", err)
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return nil, svcerrors.MalformedEvent("invalid payload for type", err)
	}

	return &Envelope{
		ID:   w.ID,
		Type: w.Type,
		Timestamp: Timestamp{
			Monotonic: w.Timestamp.Monotonic,
			Wall:      wall,
		},
		Agent:   w.Agent,
		Payload: payload,
		Meta: Meta{
			SessionID:      w.Meta.SessionID,
			CreditsUsed:    w.Meta.CreditsUsed,
			ContextHash:    w.Meta.ContextHash,
			IntentID:       w.Meta.IntentID,
			ParentIntentID: w.Meta.ParentIntentID,
		},
		Polarity: w.Polarity,
	}, nil
}

func decodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	switch typ {
	case TypeToolCall:
		var p ToolCallPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeStateChange:
		var p StateChangePayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeCompletion:
		var p CompletionPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeError:
		var p ErrorPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeCheckpoint:
		var p CheckpointPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeSessionSummary:
		var p SessionSummaryPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("no schema registered for type %q", typ)
	}
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func encodePayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case ToolCallPayload:
		args, err := canonicalMap(v.Args)
		if err != nil {
			return nil, err
		}
		pairs := []kv{{"tool", rawString(v.Tool)}}
		if args != nil {
			pairs = append(pairs, kv{"args", args})
		}
		return canonicalObject(pairs...), nil
	case StateChangePayload:
		pairs := []kv{{"from", rawString(v.From)}, {"to", rawString(v.To)}}
		if v.Why != "" {
			pairs = append(pairs, kv{"why", rawString(v.Why)})
		}
		return canonicalObject(pairs...), nil
	case CompletionPayload:
		result, err := canonicalMap(v.Result)
		if err != nil {
			return nil, err
		}
		var pairs []kv
		if result != nil {
			pairs = append(pairs, kv{"result", result})
		}
		return canonicalObject(pairs...), nil
	case ErrorPayload:
		return canonicalObject(
			kv{"code", rawString(v.Code)},
			kv{"message", rawString(v.Message)},
		), nil
	case CheckpointPayload:
		cu, err := json.Marshal(v.CreditsUsedSinceLast)
		if err != nil {
			return nil, err
		}
		tu, err := json.Marshal(v.TotalCreditsUsed)
		if err != nil {
			return nil, err
		}
		return canonicalObject(
			kv{"credits_used_since_last", cu},
			kv{"total_credits_used", tu},
		), nil
	case SessionSummaryPayload:
		summary := json.RawMessage(v.Summary)
		if len(summary) == 0 {
			summary = json.RawMessage("null")
		}
		return canonicalObject(
			kv{"context_hash", rawString(v.ContextHash)},
			kv{"summary", summary},
		), nil
	case OpaquePayload:
		raw := json.RawMessage(v.Raw)
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		return canonicalObject(
			kv{"raw", raw},
			kv{"type_hint", rawString(v.TypeHint)},
		), nil
	default:
		return nil, fmt.Errorf("unencodable payload type %T", p)
	}
}

func canonicalMeta(m Meta) (json.RawMessage, error) {
	pairs := []kv{
		{"context_hash", rawString(m.ContextHash)},
		{"credits_used", mustMarshal(m.CreditsUsed)},
	}
	if m.IntentID != "" {
		pairs = append(pairs, kv{"intent_id", rawString(m.IntentID)})
	}
	if m.ParentIntentID != "" {
		pairs = append(pairs, kv{"parent_intent_id", rawString(m.ParentIntentID)})
	}
	pairs = append(pairs, kv{"session_id", rawString(m.SessionID)})
	return canonicalObject(pairs...), nil
}

func canonicalTimestamp(t Timestamp) (json.RawMessage, error) {
	return canonicalObject(
		kv{"monotonic", mustMarshal(t.Monotonic)},
		kv{"wall", rawString(t.Wall.UTC().Format(time.RFC3339Nano))},
	), nil
}

// canonicalMap re-marshals a generic map with recursively sorted keys.
// encoding/json already sorts map[string]any keys, so a direct Marshal
// suffices; nil maps encode as nil (omitted by the caller) rather than "{}".
func canonicalMap(m map[string]interface{}) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

type kv struct {
	key string
	val json.RawMessage
}

func rawString(s string) json.RawMessage {
	return mustMarshal(s)
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable for values outside this package's closed set
		// (string, int, int64, float64), none of which can fail to marshal.
		panic(fmt.Sprintf("event: unmarshalable value %v: %v", v, err))
	}
	return raw
}

// canonicalObject assembles a compact JSON object from pairs, sorted by key
// and skipping any pair whose value is nil (an omitted optional field).
func canonicalObject(pairs ...kv) json.RawMessage {
	filtered := pairs[:0]
	for _, p := range pairs {
		if p.val != nil {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].key < filtered[j].key })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range filtered {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyRaw, _ := json.Marshal(p.key)
		buf.Write(keyRaw)
		buf.WriteByte(':')
		buf.Write(bytes.TrimSpace(p.val))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}
