// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// A Rule is a parsed message filter. Each non-empty field must equal the
// corresponding field of a message for the rule to match it. The zero Rule
// matches every message.
type Rule struct {
	Type          MessageType
	Sender        string
	Destination   string
	Path          string
	PathNamespace string
	Interface     string
	Member        string
	Args          map[int]string // argument index → required value
}

const maxArgIndex = 63

// ParseRule parses a filter expression of the form
//
//	key='value',key='value',...
//
// The supported keys are type, sender, destination, path, path_namespace,
// interface, member, and argN for 0 ≤ N ≤ 63. An empty expression yields a
// rule that matches every message.
func ParseRule(s string) (Rule, error) {
	var r Rule
	rest := strings.TrimSpace(s)
	for rest != "" {
		key, tail, ok := strings.Cut(rest, "=")
		if !ok {
			return Rule{}, fmt.Errorf("rule %q: missing value for %q", s, rest)
		}
		key = strings.TrimSpace(key)
		tail = strings.TrimSpace(tail)
		if !strings.HasPrefix(tail, "'") {
			return Rule{}, fmt.Errorf("rule %q: value for %q is not quoted", s, key)
		}
		end := strings.IndexByte(tail[1:], '\'')
		if end < 0 {
			return Rule{}, fmt.Errorf("rule %q: unterminated value for %q", s, key)
		}
		val := tail[1 : end+1]
		rest = strings.TrimSpace(tail[end+2:])
		if rest != "" {
			if rest[0] != ',' {
				return Rule{}, fmt.Errorf("rule %q: expected comma after %q", s, key)
			}
			rest = strings.TrimSpace(rest[1:])
			if rest == "" {
				return Rule{}, fmt.Errorf("rule %q: trailing comma", s)
			}
		}
		if err := r.set(key, val); err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", s, err)
		}
	}
	return r, nil
}

func (r *Rule) set(key, val string) error {
	var err error
	switch key {
	case "type":
		r.Type, err = parseMessageType(val)
	case "sender":
		r.Sender = val
	case "destination":
		r.Destination = val
	case "path":
		r.Path = val
	case "path_namespace":
		r.PathNamespace = strings.TrimSuffix(val, "/")
	case "interface":
		r.Interface = val
	case "member":
		r.Member = val
	default:
		idx, ok := strings.CutPrefix(key, "arg")
		if !ok {
			return fmt.Errorf("unknown key %q", key)
		}
		n, perr := strconv.Atoi(idx)
		if perr != nil || n < 0 || n > maxArgIndex {
			return fmt.Errorf("invalid argument key %q", key)
		}
		if r.Args == nil {
			r.Args = make(map[int]string)
		}
		r.Args[n] = val
	}
	return err
}

// Match reports whether m satisfies r.
func (r Rule) Match(m *Message) bool {
	if r.Type != TypeInvalid && r.Type != m.Type {
		return false
	}
	for _, f := range []struct{ want, got string }{
		{r.Sender, m.Sender}, {r.Destination, m.Destination},
		{r.Path, m.Path}, {r.Interface, m.Interface}, {r.Member, m.Member},
	} {
		if f.want != "" && f.want != f.got {
			return false
		}
	}
	if ns := r.PathNamespace; ns != "" && m.Path != ns && !strings.HasPrefix(m.Path, ns+"/") {
		return false
	}
	for i, want := range r.Args {
		if i >= len(m.Args) || m.Args[i] != want {
			return false
		}
	}
	return true
}

// String renders r in the syntax accepted by [ParseRule].
func (r Rule) String() string {
	var parts []string
	add := func(key, val string) {
		if val != "" {
			parts = append(parts, key+"='"+val+"'")
		}
	}
	if r.Type != TypeInvalid {
		add("type", r.Type.String())
	}
	add("sender", r.Sender)
	add("destination", r.Destination)
	add("path", r.Path)
	add("path_namespace", r.PathNamespace)
	add("interface", r.Interface)
	add("member", r.Member)
	idx := make([]int, 0, len(r.Args))
	for i := range r.Args {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	for _, i := range idx {
		add("arg"+strconv.Itoa(i), r.Args[i])
	}
	return strings.Join(parts, ",")
}
