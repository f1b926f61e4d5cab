package log

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

func (JSONFormatter) Format(entry *Entry) ([]byte, error) {
	out := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		out[k] = v
	}
	out["level"] = entry.Level.String()
	out["msg"] = entry.Message
	out["ts"] = entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")
	if entry.Caller != "" {
		out["caller"] = entry.Caller
	}
	if entry.Error != nil {
		out["error"] = entry.Error.Error()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders entries as human-readable `key=value` lines.
type TextFormatter struct{}

func (TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s level=%s msg=%q",
		entry.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		entry.Level.String(),
		entry.Message,
	)
	if entry.Caller != "" {
		fmt.Fprintf(&buf, " caller=%s", entry.Caller)
	}
	for k, v := range entry.Fields {
		fmt.Fprintf(&buf, " %s=%v", k, v)
	}
	if entry.Error != nil {
		fmt.Fprintf(&buf, " error=%q", entry.Error.Error())
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
