// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"bytes"
	"strings"
	"testing"
)

func TestPayloadSize(t *testing.T) {
	for _, m := range []*Message{
		{},
		{Type: TypeSignal, Serial: 1, Member: "Ping", Args: []string{"a", ""}},
		{
			Path:        strings.Repeat("/p", 40),
			Interface:   "org.test",
			Member:      "Set",
			Sender:      "svc.one",
			Destination: "svc.two",
			Args:        []string{strings.Repeat("v", 20000)},
			Body:        bytes.Repeat([]byte("b"), 5000000),
		},
	} {
		if got, want := m.payloadSize(), len(m.payload()); got != want {
			t.Errorf("payloadSize(%v): got %d, want %d", m, got, want)
		}
	}
}
