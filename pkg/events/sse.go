package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SSEMessage is one server-sent event frame.
type SSEMessage struct {
	ID    string
	Event string
	Data  []byte
}

// EncodeSSE renders msg in text/event-stream framing. Multi-line data is
// split across data fields.
func EncodeSSE(msg SSEMessage) []byte {
	var buf bytes.Buffer
	if msg.Event != "" {
		buf.WriteString("event: " + msg.Event + "\n")
	}
	if msg.ID != "" {
		buf.WriteString("id: " + msg.ID + "\n")
	}
	for _, line := range strings.Split(string(msg.Data), "\n") {
		buf.WriteString("data: " + line + "\n")
	}
	buf.WriteString("\n")
	return buf.Bytes()
}

// SSEFrame converts a sequenced run event into its SSE frame. The sequence
// becomes the event id, so clients can resume with Last-Event-ID.
func SSEFrame(msg Sequenced) (SSEMessage, error) {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return SSEMessage{}, fmt.Errorf("encode event: %w", err)
	}
	return SSEMessage{ID: strconv.FormatUint(msg.Seq, 10), Event: string(msg.Event.Type), Data: data}, nil
}

// SSEDecoder reads frames from a text/event-stream body.
type SSEDecoder struct {
	scanner *bufio.Scanner
}

// NewSSEDecoder wraps r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &SSEDecoder{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends. Comment-only
// frames (keepalives) are skipped.
func (d *SSEDecoder) Next() (SSEMessage, error) {
	var (
		msg     SSEMessage
		data    []string
		hasData bool
		seen    bool
	)
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if seen {
				if hasData {
					msg.Data = []byte(strings.Join(data, "\n"))
				}
				return msg, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
			seen = true
		case "id":
			msg.ID = value
			seen = true
		case "data":
			data = append(data, value)
			hasData = true
			seen = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return SSEMessage{}, err
	}
	if seen {
		if hasData {
			msg.Data = []byte(strings.Join(data, "\n"))
		}
		return msg, nil
	}
	return SSEMessage{}, io.EOF
}

// Decode unmarshals a frame produced by SSEFrame.
func (m SSEMessage) Decode() (Sequenced, error) {
	var out Sequenced
	if err := json.Unmarshal(m.Data, &out.Event); err != nil {
		return Sequenced{}, fmt.Errorf("decode event: %w", err)
	}
	seq, err := strconv.ParseUint(m.ID, 10, 64)
	if err != nil {
		return Sequenced{}, fmt.Errorf("decode event id %q: %w", m.ID, err)
	}
	out.Seq = seq
	return out, nil
}
