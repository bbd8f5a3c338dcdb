package jobs

import (
	"fmt"
	"strings"
	"unicode"
)

// isSegmentSeparator reports whether r splits a type identity into namespace segments.
func isSegmentSeparator(r rune) bool {
	return r == '\\' || r == '/' || r == '.'
}

// isWordSeparator reports whether r splits a segment into words.
func isWordSeparator(r rune) bool {
	return r == '_' || r == '-' || r == ' '
}

// ResolveName maps a type identity to its routing name.
//
// The identity is split into segments on '\', '/' and '.'. Inside each
// segment, words separated by '_', '-' or ' ' are joined with their first
// letter upper-cased; the rest of each word is kept as written. Segments are
// then joined with '.':
//
//	ResolveName(`acme\order_created\job`) // "Acme.OrderCreated.Job"
//	ResolveName("sendEmail")              // "SendEmail"
//
// The mapping is pure: no registry is consulted. An empty identity, an empty
// segment or a segment with characters other than letters, digits and word
// separators is rejected with ErrInvalidJobType.
func ResolveName(identity string) (string, error) {
	if strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("%w: empty type identity", ErrInvalidJobType)
	}

	segments := splitSegments(identity)
	names := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidJobType, identity)
		}
		name, err := camelize(segment)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidJobType, identity, err)
		}
		names = append(names, name)
	}

	return strings.Join(names, "."), nil
}

// splitSegments splits an identity on every segment separator, keeping
// empty segments so that malformed identities can be rejected.
func splitSegments(identity string) []string {
	var segments []string
	start := 0
	for i, r := range identity {
		if isSegmentSeparator(r) {
			segments = append(segments, identity[start:i])
			start = i + 1
		}
	}
	return append(segments, identity[start:])
}

// camelize upper-cases the first letter of every word in segment and drops
// the word separators.
func camelize(segment string) (string, error) {
	var b strings.Builder
	b.Grow(len(segment))

	upper := true
	for _, r := range segment {
		switch {
		case isWordSeparator(r):
			upper = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if upper {
				r = unicode.ToUpper(r)
				upper = false
			}
			b.WriteRune(r)
		default:
			return "", fmt.Errorf("invalid character %q in segment %q", r, segment)
		}
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("segment %q has no name characters", segment)
	}
	return b.String(), nil
}

// JobName returns the routing name of a job.
func JobName(job Job) (string, error) {
	identity, err := TypeIdentity(job)
	if err != nil {
		return "", err
	}
	return ResolveName(identity)
}
