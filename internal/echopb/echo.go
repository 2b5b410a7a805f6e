// Package echopb holds the EchoMessage wire type and its protobuf codec.
//
// The message is equivalent to:
//
//	message EchoMessage {
//	    string content = 1;
//	}
package echopb

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"realtime-echo/internal/server"
)

const contentField protowire.Number = 1

var (
	// ErrInvalidUTF8 is returned when the content field is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("echopb: content is not valid UTF-8")

	// ErrWrongWireType is returned when field 1 is not length-delimited.
	ErrWrongWireType = errors.New("echopb: content has wrong wire type")
)

// EchoMessage is the only message the service exchanges.
type EchoMessage struct {
	Content string
}

func (m *EchoMessage) String() string {
	return m.Content
}

// Marshal encodes m in protobuf wire format. Empty content is omitted.
func (m *EchoMessage) Marshal() []byte {
	if m.Content == "" {
		return []byte{}
	}
	b := make([]byte, 0, protowire.SizeTag(contentField)+protowire.SizeBytes(len(m.Content)))
	b = protowire.AppendTag(b, contentField, protowire.BytesType)
	b = protowire.AppendString(b, m.Content)
	return b
}

// Unmarshal decodes b into m. Unknown fields are skipped.
func (m *EchoMessage) Unmarshal(b []byte) error {
	var content string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("echopb: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != contentField {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("echopb: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if typ != protowire.BytesType {
			return ErrWrongWireType
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("echopb: content: %w", protowire.ParseError(n))
		}
		if !utf8.Valid(v) {
			return ErrInvalidUTF8
		}
		content = string(v)
		b = b[n:]
	}
	m.Content = content
	return nil
}

// Codec implements server.Codec for EchoMessage.
type Codec struct{}

var _ server.Codec = Codec{}

// Decode parses one EchoMessage.
func (Codec) Decode(data []byte) (server.Message, error) {
	m := &EchoMessage{}
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes an *EchoMessage.
func (Codec) Encode(msg server.Message) ([]byte, error) {
	m, ok := msg.(*EchoMessage)
	if !ok {
		return nil, fmt.Errorf("echopb: cannot encode %T", msg)
	}
	return m.Marshal(), nil
}
