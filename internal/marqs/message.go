package marqs

import (
	"encoding/json"
	"fmt"
)

// messageVersion identifies the wire shape of MessageEnvelope. Bumped only
// on a breaking change to the JSON layout.
const messageVersion = "1"

// MessageEnvelope is the JSON body stored at a message's MessageKey. It
// carries enough context for a consumer to locate the message's home
// queue (needed by Ack/Nack/Heartbeat) without a second round trip, plus
// an OpenTelemetry trace-context carrier so a dequeue can resume the trace
// that started at enqueue.
type MessageEnvelope struct {
	Version        string            `json:"version"`
	MessageID      string            `json:"messageId"`
	Env            string            `json:"env"`
	Org            string            `json:"org"`
	Queue          string            `json:"queue"`
	ParentQueue    string            `json:"parentQueue"`
	ConcurrencyKey string            `json:"concurrencyKey,omitempty"`
	Timestamp      int64             `json:"timestamp"`
	Data           json.RawMessage   `json:"data"`
	TraceContext   map[string]string `json:"traceContext,omitempty"`
}

// EncodeMessage serializes an envelope to JSON.
func EncodeMessage(m MessageEnvelope) ([]byte, error) {
	if m.Version == "" {
		m.Version = messageVersion
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marqs: encode message %s: %w", m.MessageID, err)
	}
	return body, nil
}

// DecodeMessage parses a previously encoded envelope.
func DecodeMessage(body []byte) (MessageEnvelope, error) {
	var m MessageEnvelope
	if err := json.Unmarshal(body, &m); err != nil {
		return MessageEnvelope{}, fmt.Errorf("marqs: decode message: %w", err)
	}
	return m, nil
}
