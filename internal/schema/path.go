package schema

import (
	"fmt"
	"strconv"
	"strings"
)

type selector int

const (
	selNone  selector = iota
	selEach           // name[]
	selIndex          // name[3]
	selMatch          // name[?key=value]
)

type step struct {
	field    string
	sel      selector
	index    int
	matchKey string
	matchVal string
}

func (s step) String() string {
	switch s.sel {
	case selEach:
		return s.field + "[]"
	case selIndex:
		return s.field + "[" + strconv.Itoa(s.index) + "]"
	case selMatch:
		return s.field + "[?" + s.matchKey + "=" + s.matchVal + "]"
	}
	return s.field
}

type path []step

func (p path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// expandPrefix returns the path up to and including the first [] step.
func (p path) expandPrefix() (string, bool) {
	i := p.eachIndex()
	if i < 0 {
		return "", false
	}
	return p[:i+1].String(), true
}

func (p path) eachIndex() int {
	for i, s := range p {
		if s.sel == selEach {
			return i
		}
	}
	return -1
}

// parsePath splits a dotted path. Dots inside brackets belong to the selector
// literal, as in tags[?key=app.kubernetes.io/name].value.
func parsePath(raw string) (path, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segments []string
	depth, start := 0, 0
	for i, r := range raw {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("path %q: unbalanced ]", raw)
			}
		case '.':
			if depth == 0 {
				segments = append(segments, raw[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("path %q: unbalanced [", raw)
	}
	segments = append(segments, raw[start:])

	p := make(path, 0, len(segments))
	for _, seg := range segments {
		s, err := parseStep(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", raw, err)
		}
		p = append(p, s)
	}
	return p, nil
}

func parseStep(seg string) (step, error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		if seg == "" {
			return step{}, fmt.Errorf("empty segment")
		}
		return step{field: seg}, nil
	}
	if !strings.HasSuffix(seg, "]") {
		return step{}, fmt.Errorf("segment %q: text after ]", seg)
	}

	s := step{field: seg[:open]}
	if s.field == "" {
		return step{}, fmt.Errorf("segment %q: selector without field", seg)
	}
	inner := seg[open+1 : len(seg)-1]

	switch {
	case inner == "":
		s.sel = selEach
	case strings.HasPrefix(inner, "?"):
		k, v, ok := strings.Cut(inner[1:], "=")
		if !ok || k == "" {
			return step{}, fmt.Errorf("segment %q: match selector needs key=value", seg)
		}
		s.sel, s.matchKey, s.matchVal = selMatch, k, v
	default:
		n, err := strconv.Atoi(inner)
		if err != nil || n < 0 {
			return step{}, fmt.Errorf("segment %q: bad index %q", seg, inner)
		}
		s.sel, s.index = selIndex, n
	}
	return s, nil
}

// resolve walks p from v. The boolean is false when any step is missing.
// A [] step takes element 0; expansion is handled by the caller.
func (p path) resolve(v any) (any, bool) {
	cur := v
	for _, s := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s.field]
		if !ok || cur == nil {
			return nil, false
		}
		if s.sel == selNone {
			continue
		}

		list, ok := cur.([]any)
		if !ok {
			return nil, false
		}
		switch s.sel {
		case selEach:
			if len(list) == 0 {
				return nil, false
			}
			cur = list[0]
		case selIndex:
			if s.index >= len(list) {
				return nil, false
			}
			cur = list[s.index]
		case selMatch:
			cur, ok = matchElement(list, s.matchKey, s.matchVal)
			if !ok {
				return nil, false
			}
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// list resolves p up to its first [] step and returns that list.
func (p path) list(v any) ([]any, bool) {
	i := p.eachIndex()
	if i < 0 {
		return nil, false
	}
	head := make(path, i+1)
	copy(head, p[:i+1])
	head[i].sel = selNone

	raw, ok := head.resolve(v)
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	return list, ok
}

// tail is the part of p after its first [] step, evaluated per element.
func (p path) tail() path {
	return p[p.eachIndex()+1:]
}

func matchElement(list []any, key, want string) (any, bool) {
	for _, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := m[key]; ok && scalarText(v) == want {
			return el, true
		}
	}
	return nil, false
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
