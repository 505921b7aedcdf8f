package wire

import (
	"strconv"
	"strings"

	lz4 "github.com/bkaradzic/go-lz4"
	"github.com/pkg/errors"
)

var (
	// ErrMalformed marks a frame whose field structure cannot be parsed.
	// The reliable layer treats it exactly like a checksum failure.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrChecksum marks a frame whose carried checksum does not match its
	// contents.
	ErrChecksum = errors.New("wire: checksum mismatch")
)

// A Codec translates between Messages and the bytes put on the transport.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

// TextCodec is the canonical KIND:SENDER:SEQ:PAYLOAD:CHECKSUM frame format.
type TextCodec struct{}

func (TextCodec) Encode(m *Message) ([]byte, error) {
	if m.Checksum == "" {
		m.Seal()
	}
	var b strings.Builder
	b.Grow(len(m.Payload) + 48)
	b.WriteString(m.Kind.String())
	b.WriteByte(':')
	b.WriteString(m.Sender.String())
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(m.Seq, 10))
	b.WriteByte(':')
	b.WriteString(m.Payload)
	b.WriteByte(':')
	b.WriteString(m.Checksum)
	return []byte(b.String()), nil
}

func (TextCodec) Decode(b []byte) (*Message, error) {
	s := string(b)

	// The payload may contain separators; only the first three and the
	// last one delimit fields.
	i1 := strings.IndexByte(s, ':')
	if i1 < 0 {
		return nil, ErrMalformed
	}
	i2 := strings.IndexByte(s[i1+1:], ':')
	if i2 < 0 {
		return nil, ErrMalformed
	}
	i2 += i1 + 1
	i3 := strings.IndexByte(s[i2+1:], ':')
	if i3 < 0 {
		return nil, ErrMalformed
	}
	i3 += i2 + 1
	i4 := strings.LastIndexByte(s, ':')
	if i4 <= i3 {
		return nil, ErrMalformed
	}

	kind, ok := ParseKind(s[:i1])
	if !ok {
		return nil, ErrMalformed
	}
	sender, err := ParseNodeID(s[i1+1 : i2])
	if err != nil {
		return nil, ErrMalformed
	}
	seq, err := strconv.ParseUint(s[i2+1:i3], 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	m := &Message{
		Kind:     kind,
		Sender:   sender,
		Seq:      seq,
		Payload:  s[i3+1 : i4],
		Checksum: s[i4+1:],
	}
	if !m.Verify() {
		return nil, ErrChecksum
	}
	return m, nil
}

// LZ4Codec wraps a concrete codec with LZ4 compression of the encoded frame.
// Both ends of the group must agree on the wrapping.
type LZ4Codec struct {
	Codec
}

func (c LZ4Codec) Encode(m *Message) ([]byte, error) {
	b, err := c.Codec.Encode(m)
	if err != nil {
		return nil, err
	}
	z, err := lz4.Encode(nil, b)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 encode")
	}
	return z, nil
}

func (c LZ4Codec) Decode(b []byte) (*Message, error) {
	raw, err := lz4.Decode(nil, b)
	if err != nil {
		// Garbage that does not even decompress is a corruption fault.
		return nil, ErrMalformed
	}
	return c.Codec.Decode(raw)
}
