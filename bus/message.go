// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/creachadair/corun/internal/wire"
)

// Message is a single bus message.
type Message struct {
	Type        MessageType
	Serial      uint32 // assigned by the sending connection
	NoReply     bool
	Path        string
	Interface   string
	Member      string
	Sender      string
	Destination string
	Args        []string // string arguments, matched by argN rules
	Body        []byte
}

// NewSignal constructs a signal message with the specified routing fields.
// The body is encoded as described by [Encode].
func NewSignal(path, iface, member string, body any, args ...string) (*Message, error) {
	data, err := Encode(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeSignal,
		NoReply:   true,
		Path:      path,
		Interface: iface,
		Member:    member,
		Args:      args,
		Body:      data,
	}, nil
}

// Clone returns a deep copy of m, sharing no memory with the original.
func (m *Message) Clone() *Message {
	c := *m
	c.Args = slices.Clone(m.Args)
	c.Body = bytes.Clone(m.Body)
	return &c
}

// Decode decodes the body of m into v, as described by [Decode].
func (m *Message) Decode(v any) error { return Decode(m.Body, v) }

// Encode encodes m in binary format.
func (m *Message) Encode() []byte {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return buf.Bytes()
}

func (m *Message) payload() []byte {
	var b wire.Builder
	b.Uint32(m.Serial)
	b.Bool(m.NoReply)
	b.String(m.Path)
	b.String(m.Interface)
	b.String(m.Member)
	b.String(m.Sender)
	b.String(m.Destination)
	b.Strings(m.Args)
	b.Bytes(m.Body)
	return b.Data()
}

func (m *Message) parsePayload(data []byte) error {
	s := wire.NewScanner(data)
	var err error
	get := func(f func() (string, error), into *string) {
		if err == nil {
			*into, err = f()
		}
	}
	if m.Serial, err = s.Uint32(); err != nil {
		return err
	}
	if m.NoReply, err = s.Bool(); err != nil {
		return err
	}
	get(s.String, &m.Path)
	get(s.String, &m.Interface)
	get(s.String, &m.Member)
	get(s.String, &m.Sender)
	get(s.String, &m.Destination)
	if err == nil {
		m.Args, err = s.Strings()
	}
	if err == nil {
		m.Body, err = s.Bytes()
	}
	if err != nil {
		return err
	} else if s.Len() != 0 {
		return fmt.Errorf("extra data after message (%d bytes)", s.Len())
	}
	return nil
}

// payloadSize reports the encoded size of the payload of m without encoding it.
func (m *Message) payloadSize() int {
	n := 4 + 1 + wire.Vint30(len(m.Args)).Size() + wire.VLen(len(m.Body))
	for _, s := range []string{m.Path, m.Interface, m.Member, m.Sender, m.Destination} {
		n += wire.VLen(len(s))
	}
	for _, arg := range m.Args {
		n += wire.VLen(len(arg))
	}
	return n
}

// WriteTo writes the message to w in binary format. It satisfies io.WriterTo.
// It reports an error without writing anything if the encoded payload would
// exceed the size limit of the format.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if n := m.payloadSize(); n > maxPayload {
		return 0, fmt.Errorf("message payload too large (%d bytes)", n)
	}
	payload := m.payload()
	buf := [8]byte{'C', 'B', protocolVersion, byte(m.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	nw, err := w.Write(buf[:])
	if err == nil {
		var np int
		np, err = w.Write(payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a message from r in binary format. It satisfies
// io.ReaderFrom.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short message header: %w", err)
	}
	if p := string(buf[:3]); p != "CB\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", p)
	}
	m.Type = MessageType(buf[3])

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > maxPayload {
		return int64(nr), fmt.Errorf("message payload too large (%d bytes)", psize)
	}
	payload := make([]byte, int(psize))
	np, err := io.ReadFull(r, payload)
	nr += np
	if err != nil {
		return int64(nr), fmt.Errorf("short payload: %w", err)
	}
	return int64(nr), m.parsePayload(payload)
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message(%v #%d", m.Type, m.Serial)
	for _, f := range []struct{ tag, val string }{
		{"path", m.Path}, {"interface", m.Interface}, {"member", m.Member},
		{"sender", m.Sender}, {"destination", m.Destination},
	} {
		if f.val != "" {
			fmt.Fprintf(&sb, ", %s=%s", f.tag, f.val)
		}
	}
	if len(m.Args) != 0 {
		fmt.Fprintf(&sb, ", args=%q", m.Args)
	}
	if len(m.Body) > 16 {
		fmt.Fprintf(&sb, ", body=%+v ...)", m.Body[:16])
	} else {
		fmt.Fprintf(&sb, ", body=%+v)", m.Body)
	}
	return sb.String()
}

const (
	protocolVersion = 0
	maxPayload      = wire.MaxVint30
)

// MessageType describes the kind of a bus message.
type MessageType byte

const (
	TypeInvalid      MessageType = 0
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("type:%d", byte(t))
	}
}

func parseMessageType(s string) (MessageType, error) {
	for t := TypeMethodCall; t <= TypeSignal; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown message type %q", s)
}
