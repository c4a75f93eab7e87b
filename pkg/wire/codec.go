package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/wulin-online/swarm/pkg/fault"
)

// MaxFrameSize caps one frame body; larger frames are rejected with
// bad_frame before any allocation.
const MaxFrameSize = 16 << 20

// Encoder writes frames to a stream. Safe for concurrent use; each
// frame is written atomically under the lock.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps a writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes and frames one message.
func (e *Encoder) Encode(m Message) error {
	if err := m.Validate(); err != nil {
		return fault.Wrap(fault.BadFrame, "wire.encode", err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fault.Wrap(fault.BadFrame, "wire.encode", err)
	}
	if len(body) > MaxFrameSize {
		return fault.New(fault.BadFrame, "wire.encode",
			"frame of %d bytes exceeds %d", len(body), MaxFrameSize)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(header[:]); err != nil {
		return fault.Wrap(fault.ConnectionLost, "wire.encode", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fault.Wrap(fault.ConnectionLost, "wire.encode", err)
	}
	return nil
}

// Decoder reads frames from a stream. Not safe for concurrent use; a
// session owns exactly one reader.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps a reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads one frame. Oversized, non-UTF-8 or malformed frames
// return bad_frame; a cleanly closed stream returns io.EOF.
func (d *Decoder) Decode() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fault.Wrap(fault.ConnectionLost, "wire.decode", err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return Message{}, fault.New(fault.BadFrame, "wire.decode",
			"frame of %d bytes exceeds %d", length, MaxFrameSize)
	}
	if length == 0 {
		return Message{}, fault.New(fault.BadFrame, "wire.decode", "empty frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Message{}, fault.Wrap(fault.ConnectionLost, "wire.decode", err)
	}

	if !utf8.Valid(body) {
		return Message{}, fault.New(fault.BadFrame, "wire.decode", "frame is not valid UTF-8")
	}

	var m Message
	if err := strictUnmarshal(body, &m); err != nil {
		return Message{}, fault.Wrap(fault.BadFrame, "wire.decode", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fault.Wrap(fault.BadFrame, "wire.decode", err)
	}
	return m, nil
}

// strictUnmarshal rejects frames whose mandatory fields carry the
// wrong JSON type, which plain Unmarshal into Message would surface as
// a confusing field error.
func strictUnmarshal(body []byte, m *Message) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return err
	}
	for _, field := range []string{"kind", "cmd", "request_id", "status", "error"} {
		raw, ok := probe[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("field %s must be a string", field)
		}
	}
	if raw, ok := probe["timestamp"]; ok {
		var ts int64
		if err := json.Unmarshal(raw, &ts); err != nil {
			return fmt.Errorf("field timestamp must be an integer")
		}
	}
	return json.Unmarshal(body, m)
}
