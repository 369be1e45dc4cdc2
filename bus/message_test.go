// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus_test

import (
	"bytes"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/creachadair/corun/bus"
	"github.com/google/go-cmp/cmp"
)

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*bus.Message{
		{Type: bus.TypeSignal},
		{
			Type:        bus.TypeMethodCall,
			Serial:      12345,
			Path:        "/org/test/item",
			Interface:   "org.test.Items",
			Member:      "Get",
			Sender:      "svc.client",
			Destination: "svc.items",
			Args:        []string{"one", "", "three"},
			Body:        []byte("request body"),
		},
		{Type: bus.TypeError, NoReply: true, Member: "Failed", Body: bytes.Repeat([]byte("x"), 300)},
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		if _, err := m.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo %v: %v", m, err)
		}
	}
	for _, want := range msgs {
		var got bus.Message
		if _, err := got.ReadFrom(&buf); err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if diff := cmp.Diff(want, &got); diff != "" {
			t.Errorf("Message (-want, +got):\n%s", diff)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("Extra data after messages: %d bytes", buf.Len())
	}
}

func TestMessageErrors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"BadVersion", "CX\x00\x04\x00\x00\x00\x00", "invalid protocol version"},
		{"ShortHeader", "CB\x00\x04\x00", "short message header"},
		{"ShortPayload", "CB\x00\x04\x00\x00\x00\x0aabc", "short payload"},
		{"TooLarge", "CB\x00\x04\xff\xff\xff\xff", "payload too large"},
		{"Garbage", "CB\x00\x04\x00\x00\x00\x01\xff", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m bus.Message
			_, err := m.ReadFrom(strings.NewReader(tc.input))
			if err == nil {
				t.Fatalf("ReadFrom: got %v, want error", &m)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("ReadFrom: got %v, want %q", err, tc.want)
			}
		})
	}
}

func TestMessageTooLarge(t *testing.T) {
	// Many references to one string make an oversized message without
	// allocating its encoding.
	arg := strings.Repeat("x", 1<<20)
	m := &bus.Message{Type: bus.TypeSignal, Member: "Big", Args: slices.Repeat([]string{arg}, 1100)}

	var buf bytes.Buffer
	nw, err := m.WriteTo(&buf)
	if err == nil {
		t.Fatalf("WriteTo: got %d bytes, want error", nw)
	} else if !strings.Contains(err.Error(), "payload too large") {
		t.Errorf("WriteTo: got %v, want payload too large", err)
	}
	if nw != 0 || buf.Len() != 0 {
		t.Errorf("WriteTo wrote %d bytes (%d buffered), want 0", nw, buf.Len())
	}
}

func TestMessageBody(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	m, err := bus.NewSignal("/net", "org.test.Net", "AddrChanged", addr, "eth0")
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	if m.Type != bus.TypeSignal || !m.NoReply {
		t.Errorf("NewSignal: got %v, want a no-reply signal", m)
	}

	var got netip.Addr
	if err := m.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != addr {
		t.Errorf("Decode: got %v, want %v", got, addr)
	}

	var s string
	if err := bus.Decode([]byte("hello"), &s); err != nil || s != "hello" {
		t.Errorf("Decode string: got (%q, %v), want hello", s, err)
	}
	if _, err := bus.Encode(struct{}{}); err == nil {
		t.Error("Encode struct: got nil, want error")
	}
	if err := bus.Decode(nil, new(int)); err == nil {
		t.Error("Decode int: got nil, want error")
	}
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		t    bus.MessageType
		want string
	}{
		{bus.TypeMethodCall, "method_call"},
		{bus.TypeMethodReturn, "method_return"},
		{bus.TypeError, "error"},
		{bus.TypeSignal, "signal"},
		{bus.TypeInvalid, "type:0"},
		{bus.MessageType(99), "type:99"},
	}
	for _, tc := range tests {
		if got := tc.t.String(); got != tc.want {
			t.Errorf("String(%d): got %q, want %q", tc.t, got, tc.want)
		}
	}
}

func TestHandle(t *testing.T) {
	c := bus.New()
	var got []netip.Addr
	c.AddMatch("member='Addr'", bus.Handle(func(_ *bus.Message, a netip.Addr) {
		got = append(got, a)
	}))

	want := []netip.Addr{netip.MustParseAddr("::1"), netip.MustParseAddr("192.168.0.1")}
	for _, a := range want {
		m, err := bus.NewSignal("/", "org.test", "Addr", a)
		if err != nil {
			t.Fatalf("NewSignal: %v", err)
		}
		c.Deliver(m)
	}

	// A body that does not decode is skipped.
	c.Deliver(&bus.Message{Member: "Addr", Body: []byte("garbage")})

	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("Handled (-want, +got):\n%s", diff)
	}
}
