// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"bytes"
	"encoding"
	"fmt"
)

// Handle adapts a function f that accepts a decoded message body of type P to
// a slot callback suitable for [Conn.AddMatch]. Messages whose body does not
// decode as P are ignored.
func Handle[P any](f func(*Message, P)) func(*Message) {
	return func(m *Message) {
		var p P
		if err := Decode(m.Body, &p); err != nil {
			return
		}
		f(m, p)
	}
}

// Decode decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func Decode(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot decode into %T", v)
	}
	return nil
}

// Encode encodes v into a message body. The concrete type of v must be nil, a
// []byte or string, or must implement either the encoding.BinaryMarshaler
// interface or the encoding.TextMarshaler interface. If v implements both,
// BinaryMarshaler is preferred.
func Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot encode %T", v)
	}
}
