package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MaxMessageSize bounds an unterminated structured-text message. The splitter
// drops its buffer when a message grows beyond it.
const MaxMessageSize = 4096

// Message is a flat key/value envelope. Values are int64, float64, string, bool
// or a nested Message (one level, used by capability responses).
type Message map[string]any

// ParseMessage decodes one structured-text message.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return normalizeGroup(raw, 0)
}

func normalizeGroup(raw map[string]any, depth int) (Message, error) {
	msg := make(Message, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case json.Number:
			if i, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
				msg[k] = i
				continue
			}
			f, err := val.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", ErrMalformed, k, err)
			}
			msg[k] = f
		case map[string]any:
			if depth > 0 {
				return nil, fmt.Errorf("%w: field %q nests deeper than one level", ErrMalformed, k)
			}
			group, err := normalizeGroup(val, depth+1)
			if err != nil {
				return nil, err
			}
			msg[k] = group
		case string, bool, nil:
			msg[k] = val
		default:
			// arrays are not part of any dialect we speak
			return nil, fmt.Errorf("%w: field %q has unsupported type %T", ErrMalformed, k, v)
		}
	}
	return msg, nil
}

// Encode serializes the message with keys in sorted order.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(m))
}

// Type returns the "type" discriminator, or "" when absent.
func (m Message) Type() string {
	s, _ := m.Text("type")
	return s
}

func (m Message) Text(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Int returns an integer field. Whole-valued floats are accepted.
func (m Message) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// Float returns a numeric field as float64.
func (m Message) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (m Message) Bool(key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// Group returns a nested message.
func (m Message) Group(key string) (Message, bool) {
	g, ok := m[key].(Message)
	return g, ok
}

// MessageSplitter reassembles top-level {...} messages from a byte stream.
// Braces inside string literals are ignored.
type MessageSplitter struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
}

// Feed appends data and returns every message completed by it.
func (s *MessageSplitter) Feed(data []byte) [][]byte {
	var out [][]byte
	for _, b := range data {
		if s.depth == 0 {
			// skip inter-message noise (whitespace, terminators)
			if b != '{' {
				continue
			}
		}
		s.buf = append(s.buf, b)

		switch {
		case s.inString:
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
		case b == '"':
			s.inString = true
		case b == '{':
			s.depth++
		case b == '}':
			s.depth--
			if s.depth == 0 {
				msg := make([]byte, len(s.buf))
				copy(msg, s.buf)
				out = append(out, msg)
				s.buf = s.buf[:0]
			}
		}

		if len(s.buf) > MaxMessageSize {
			s.Reset()
		}
	}
	return out
}

// Reset drops any partial message.
func (s *MessageSplitter) Reset() {
	s.buf = s.buf[:0]
	s.depth = 0
	s.inString = false
	s.escaped = false
}
