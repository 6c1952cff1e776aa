// Package streaming consumes provider SSE byte streams and re-emits them
// to clients in the unified stream format, accumulating tool-call
// fragments and guaranteeing a usage-bearing final chunk before [DONE].
package streaming

import "bytes"

// DoneSentinel is the payload of the terminator frame on both sides.
const DoneSentinel = "[DONE]"

// SSEParser incrementally splits a byte stream into SSE data payloads.
// Bytes are buffered across feeds, so records split mid-line or mid-rune
// by TCP framing reassemble correctly.
type SSEParser struct {
	buf []byte
}

// NewSSEParser returns an empty parser.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed appends b to the buffer and returns the data payloads of every
// record completed so far. A record ends at a blank line; "data:" prefixes
// are stripped and multi-line data is joined by newline. Comment and
// non-data fields are ignored.
func (p *SSEParser) Feed(b []byte) []string {
	p.buf = append(p.buf, b...)

	var out []string
	for {
		idx, skip := recordEnd(p.buf)
		if idx < 0 {
			return out
		}
		record := p.buf[:idx]
		p.buf = p.buf[idx+skip:]
		if data, ok := parseRecord(record); ok {
			out = append(out, data)
		}
	}
}

// recordEnd finds the first blank-line delimiter, returning the offset of
// the record and the delimiter width, or -1 when no record is complete.
func recordEnd(buf []byte) (int, int) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		rest := buf[i+1:]
		if len(rest) == 0 {
			continue
		}
		if rest[0] == '\n' {
			return i + 1, 1
		}
		if rest[0] == '\r' && len(rest) > 1 && rest[1] == '\n' {
			return i + 1, 2
		}
	}
	return -1, 0
}

func parseRecord(record []byte) (string, bool) {
	var data [][]byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data:"))
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		data = append(data, payload)
	}
	if len(data) == 0 {
		return "", false
	}
	return string(bytes.Join(data, []byte("\n"))), true
}
