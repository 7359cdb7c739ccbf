// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package bedrock

import (
	"encoding/binary"
	"fmt"
	"io"
)

// eventMessage is one decoded frame from an application/vnd.amazon.eventstream
// response: its headers (event type, content type) and JSON payload.
type eventMessage struct {
	Headers map[string]string
	Payload []byte
}

// EventType returns the :event-type header, or the :exception-type header
// when the frame carries a modeled exception.
func (m *eventMessage) EventType() string {
	if t, ok := m.Headers[":event-type"]; ok {
		return t
	}
	return m.Headers[":exception-type"]
}

// eventStreamReader decodes the AWS binary event stream framing: a 12-byte
// prelude (total length, headers length, prelude CRC), a header block of
// name/type/value triples, the payload, and a trailing message CRC. CRCs
// are not verified; TLS already covers integrity here.
type eventStreamReader struct {
	r io.Reader
}

func newEventStreamReader(r io.Reader) *eventStreamReader {
	return &eventStreamReader{r: r}
}

const (
	headerTypeBool7  = 0
	headerTypeBool8  = 1
	headerTypeByte   = 2
	headerTypeShort  = 3
	headerTypeInt    = 4
	headerTypeLong   = 5
	headerTypeBytes  = 6
	headerTypeString = 7
	headerTypeTime   = 8
	headerTypeUUID   = 9
)

// Next reads one frame. io.EOF signals a clean end of stream.
func (r *eventStreamReader) Next() (*eventMessage, error) {
	var prelude [12]byte
	if _, err := io.ReadFull(r.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	if totalLen < 16 || headersLen > totalLen-16 {
		return nil, fmt.Errorf("malformed event stream frame: total=%d headers=%d", totalLen, headersLen)
	}

	body := make([]byte, totalLen-12)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, err
	}

	headers, err := parseEventHeaders(body[:headersLen])
	if err != nil {
		return nil, err
	}

	// Payload sits between the headers and the trailing 4-byte CRC.
	payload := body[headersLen : len(body)-4]

	return &eventMessage{Headers: headers, Payload: payload}, nil
}

func parseEventHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(data) > 0 {
		nameLen := int(data[0])
		data = data[1:]
		if len(data) < nameLen+1 {
			return nil, fmt.Errorf("truncated event stream header")
		}
		name := string(data[:nameLen])
		valueType := data[nameLen]
		data = data[nameLen+1:]

		switch valueType {
		case headerTypeBool7, headerTypeBool8:
			// No value bytes.
		case headerTypeByte:
			if len(data) < 1 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			data = data[1:]
		case headerTypeShort:
			if len(data) < 2 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			data = data[2:]
		case headerTypeInt:
			if len(data) < 4 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			data = data[4:]
		case headerTypeLong, headerTypeTime:
			if len(data) < 8 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			data = data[8:]
		case headerTypeUUID:
			if len(data) < 16 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			data = data[16:]
		case headerTypeBytes, headerTypeString:
			if len(data) < 2 {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			valueLen := int(binary.BigEndian.Uint16(data[:2]))
			data = data[2:]
			if len(data) < valueLen {
				return nil, fmt.Errorf("truncated event stream header value")
			}
			if valueType == headerTypeString {
				headers[name] = string(data[:valueLen])
			}
			data = data[valueLen:]
		default:
			return nil, fmt.Errorf("unknown event stream header type %d", valueType)
		}
	}
	return headers, nil
}
