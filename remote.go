package tradepost

import (
	"context"
	"encoding/json"
	"fmt"
)

// RecordKind distinguishes feed records.
type RecordKind string

const (
	RecordNotification RecordKind = "notification"
	RecordNews         RecordKind = "news"
)

// RemoteRecord is a newly created server-side record delivered by a feed.
type RemoteRecord struct {
	Kind         RecordKind   `json:"kind"`
	Notification Notification `json:"notification"`
}

// RemoteSyncAdapter is an optional push channel. Run blocks, delivering
// records until ctx is done or the channel fails for good.
type RemoteSyncAdapter interface {
	Run(ctx context.Context, userID string, deliver func(RemoteRecord)) error
}

// Envelope is the wire format shared by the WebSocket, SSE, Redis and webhook
// feeds: {"type": "notification.created"|"news.created", "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	envelopeNotification = "notification.created"
	envelopeNews         = "news.created"
)

// decodeEnvelope turns a raw frame into a record. ok is false for frames that
// carry no record (heartbeats, acks, unknown types).
func decodeEnvelope(data []byte) (RemoteRecord, bool, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RemoteRecord{}, false, fmt.Errorf("invalid envelope: %w", err)
	}
	var kind RecordKind
	switch env.Type {
	case envelopeNotification:
		kind = RecordNotification
	case envelopeNews:
		kind = RecordNews
	default:
		return RemoteRecord{}, false, nil
	}
	var n Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		return RemoteRecord{}, false, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	if n.ID == "" {
		return RemoteRecord{}, false, fmt.Errorf("%s payload without id", env.Type)
	}
	return RemoteRecord{Kind: kind, Notification: n}, true, nil
}

// EncodeEnvelope builds the wire form of rec.
func EncodeEnvelope(rec RemoteRecord) ([]byte, error) {
	typ := envelopeNotification
	if rec.Kind == RecordNews {
		typ = envelopeNews
	}
	payload, err := json.Marshal(rec.Notification)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}
