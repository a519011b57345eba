package contextstore

import (
	"fmt"
	"strconv"
	"strings"
)

// A path expression addresses a value inside a node's output:
// "nodeA.result.value" or "nodeA.items[0].name". The first segment names the
// node, the rest walk the structured output.

// PathSegment is one step of a parsed path expression.
type PathSegment struct {
	Field   string
	Index   int
	IsIndex bool
}

// ParsePath splits a path expression into its head (node id) and segments.
func ParsePath(expr string) (string, []PathSegment, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", nil, &UnresolvedReferenceError{Path: expr, Reason: "empty path expression"}
	}

	parts := strings.Split(expr, ".")

	head, headSegs, err := parseSegment(expr, parts[0])
	if err != nil {
		return "", nil, err
	}

	segments := headSegs

	for _, part := range parts[1:] {
		field, segs, err := parseSegment(expr, part)
		if err != nil {
			return "", nil, err
		}

		segments = append(segments, PathSegment{Field: field})
		segments = append(segments, segs...)
	}

	return head, segments, nil
}

// parseSegment splits "items[0][1]" into the field name and index segments.
func parseSegment(expr, part string) (string, []PathSegment, error) {
	field := part

	var indexes []PathSegment

	for {
		open := strings.IndexByte(field, '[')
		if open < 0 {
			break
		}

		rest := field[open:]
		field = field[:open]

		for rest != "" {
			if rest[0] != '[' {
				return "", nil, &UnresolvedReferenceError{Path: expr, Reason: "malformed index in " + part}
			}

			closing := strings.IndexByte(rest, ']')
			if closing < 0 {
				return "", nil, &UnresolvedReferenceError{Path: expr, Reason: "unterminated index in " + part}
			}

			idx, err := strconv.Atoi(rest[1:closing])
			if err != nil {
				return "", nil, &UnresolvedReferenceError{Path: expr, Reason: "non-numeric index in " + part}
			}

			indexes = append(indexes, PathSegment{Index: idx, IsIndex: true})
			rest = rest[closing+1:]
		}

		break
	}

	if field == "" {
		return "", nil, &UnresolvedReferenceError{Path: expr, Reason: "empty segment"}
	}

	return field, indexes, nil
}

// WalkPath descends through nested maps and lists. A missing field or an index
// out of range fails with UnresolvedReferenceError; walking into a scalar fails
// with the type that blocked the walk.
func WalkPath(expr string, value any, segments []PathSegment) (any, error) {
	current := value

	for _, seg := range segments {
		if seg.IsIndex {
			list, ok := current.([]any)
			if !ok {
				return nil, &UnresolvedReferenceError{
					Path:   expr,
					Reason: fmt.Sprintf("cannot index into %T", current),
				}
			}

			if seg.Index < 0 || seg.Index >= len(list) {
				return nil, &UnresolvedReferenceError{
					Path:   expr,
					Reason: fmt.Sprintf("index %d out of range (len %d)", seg.Index, len(list)),
				}
			}

			current = list[seg.Index]

			continue
		}

		mapping, ok := current.(map[string]any)
		if !ok {
			return nil, &UnresolvedReferenceError{
				Path:   expr,
				Reason: fmt.Sprintf("cannot descend into %T with field %q", current, seg.Field),
			}
		}

		next, ok := mapping[seg.Field]
		if !ok {
			return nil, &UnresolvedReferenceError{
				Path:   expr,
				Reason: fmt.Sprintf("field %q not found", seg.Field),
			}
		}

		current = next
	}

	return current, nil
}
