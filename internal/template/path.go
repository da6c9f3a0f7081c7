package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// segment is one step of a parsed path: a map key or a slice index.
type segment struct {
	key   string
	index int
	isIdx bool
}

func (s segment) String() string {
	if s.isIdx {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// parsePath splits `steps.fetch.items[0]["display name"]` into segments.
func parsePath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []segment
	i := 0
	expectKey := true
	for i < len(path) {
		switch c := path[i]; {
		case c == '.':
			if expectKey {
				return nil, fmt.Errorf("empty segment at offset %d in %q", i, path)
			}
			expectKey = true
			i++
		case c == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '[' in %q", path)
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, path)
			}
			segs = append(segs, seg)
			expectKey = false
			i += end + 1
		default:
			if !expectKey {
				return nil, fmt.Errorf("unexpected %q at offset %d in %q", c, i, path)
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			key := strings.TrimSpace(path[i:j])
			if key == "" || strings.ContainsAny(key, " \t{}") {
				return nil, fmt.Errorf("invalid segment %q in %q", path[i:j], path)
			}
			segs = append(segs, segment{key: key})
			expectKey = false
			i = j
		}
	}
	if expectKey {
		return nil, fmt.Errorf("path %q ends with '.'", path)
	}
	return segs, nil
}

func bracketSegment(inner string) (segment, error) {
	if len(inner) >= 2 {
		q := inner[0]
		if (q == '"' || q == '\'') && inner[len(inner)-1] == q {
			return segment{key: inner[1 : len(inner)-1]}, nil
		}
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return segment{}, fmt.Errorf("invalid index [%s]", inner)
	}
	return segment{index: n, isIdx: true}, nil
}

// step descends one segment into v. Negative indexes count from the end.
func step(v any, seg segment) (any, bool) {
	switch c := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		if seg.isIdx {
			val, ok := c[strconv.Itoa(seg.index)]
			return val, ok
		}
		val, ok := c[seg.key]
		return val, ok
	case map[string]string:
		val, ok := c[seg.String()]
		return val, ok
	case []any:
		return indexSlice(len(c), seg, func(i int) any { return c[i] })
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg.String()).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		return indexSlice(rv.Len(), seg, func(i int) any { return rv.Index(i).Interface() })
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, false
		}
		return step(rv.Elem().Interface(), seg)
	}
	return nil, false
}

func indexSlice(n int, seg segment, at func(int) any) (any, bool) {
	idx := seg.index
	if !seg.isIdx {
		parsed, err := strconv.Atoi(seg.key)
		if err != nil {
			return nil, false
		}
		idx = parsed
	}
	if idx < 0 {
		idx += n
	}
	if idx < 0 || idx >= n {
		return nil, false
	}
	return at(idx), true
}
