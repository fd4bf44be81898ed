package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxLineSize bounds an unterminated delimited-ASCII line.
const MaxLineSize = 512

// FieldSpec describes one position of a delimited sample. Signed fields carry
// an explicit '+' or '-'; unsigned fields are zero-padded digits only.
type FieldSpec struct {
	Name   string
	Signed bool
}

// ParseFields splits line on delim and decodes exactly len(specs) integers.
// A sample with any other field count is corrupt or partial and is rejected
// whole; nothing is defaulted.
func ParseFields(line string, delim string, specs []FieldSpec) ([]int64, error) {
	parts := strings.Split(strings.TrimSpace(line), delim)
	if len(parts) < len(specs) {
		return nil, fmt.Errorf("%w: %d fields, want %d", ErrShortSample, len(parts), len(specs))
	}
	if len(parts) > len(specs) {
		return nil, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(parts), len(specs))
	}

	values := make([]int64, len(specs))
	for i, spec := range specs {
		v, err := parseField(strings.TrimSpace(parts[i]), spec.Signed)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformed, spec.Name, err)
		}
		values[i] = v
	}
	return values, nil
}

func parseField(s string, signed bool) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	hasSign := s[0] == '+' || s[0] == '-'
	if signed && !hasSign {
		return 0, fmt.Errorf("%q lacks sign", s)
	}
	if !signed && hasSign {
		return 0, fmt.Errorf("%q has unexpected sign", s)
	}
	return strconv.ParseInt(s, 10, 64)
}

// LineSplitter reassembles terminator-delimited lines from a byte stream.
type LineSplitter struct {
	Terminator []byte
	buf        []byte
}

// NewLineSplitter creates a splitter for the given line terminator.
func NewLineSplitter(terminator string) *LineSplitter {
	return &LineSplitter{Terminator: []byte(terminator)}
}

// Feed appends data and returns each complete non-empty line without its terminator.
func (s *LineSplitter) Feed(data []byte) []string {
	s.buf = append(s.buf, data...)

	var lines []string
	for {
		idx := bytes.Index(s.buf, s.Terminator)
		if idx < 0 {
			break
		}
		line := string(s.buf[:idx])
		s.buf = s.buf[idx+len(s.Terminator):]
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(s.buf) > MaxLineSize {
		s.buf = s.buf[:0]
	}
	return lines
}

// Reset drops any partial line.
func (s *LineSplitter) Reset() {
	s.buf = s.buf[:0]
}
