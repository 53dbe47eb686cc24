// Package signature parses byte patterns with wildcards and scans memory for them.
//
// A textual signature is a list of tokens separated by spaces or commas:
//
//	4D 5A ?? ?? 50 45          exact bytes and whole-byte wildcards
//	48 8B 0D ? ? ? ?           a single '?' is also a whole-byte wildcard
//	4D5A9000                   runs of hex pairs
//	4? ?F                      nibble wildcards
//	u32:1234 f32:1.5 i8:-1     typed little-endian literals
//	"MZ"                       ASCII literal
package signature

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gopatch/memory"
)

// Signature is an immutable byte pattern with a per-byte mask.
// A mask byte of 0xFF is an exact match, 0x00 a wildcard.
type Signature struct {
	pattern []byte
	mask    []byte
	text    string
}

// New builds a signature from a pattern and mask of equal length, an empty mask means exact
func New(pattern, mask []byte) (Signature, error) {
	if len(pattern) == 0 {
		return Signature{}, errors.Wrap(memory.ErrMalformedSignature, "empty pattern")
	}
	if len(mask) == 0 {
		mask = make([]byte, len(pattern))
		for i := range mask {
			mask[i] = 0xFF
		}
	} else if len(mask) != len(pattern) {
		return Signature{}, errors.Wrapf(memory.ErrMalformedSignature,
			"mask length (%d) doesn't match pattern length (%d)", len(mask), len(pattern))
	}

	s := Signature{
		pattern: append([]byte(nil), pattern...),
		mask:    append([]byte(nil), mask...),
	}
	s.text = s.String()
	return s, nil
}

// FromBytes builds an exact signature
func FromBytes(b []byte) (Signature, error) {
	return New(b, nil)
}

// MustParse is Parse for package-level signatures, it panics on malformed text
func MustParse(text string) Signature {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse converts the textual form into a Signature
func Parse(text string) (Signature, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return Signature{}, err
	}
	if len(tokens) == 0 {
		return Signature{}, errors.Wrap(memory.ErrMalformedSignature, "empty signature")
	}

	var pattern, mask []byte
	for _, tok := range tokens {
		p, m, err := parseToken(tok)
		if err != nil {
			return Signature{}, err
		}
		pattern = append(pattern, p...)
		mask = append(mask, m...)
	}

	return Signature{pattern: pattern, mask: mask, text: text}, nil
}

func tokenize(text string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == ' ' || c == ',' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"':
			end := strings.IndexByte(text[i+1:], '"')
			if end < 0 {
				return nil, errors.Wrapf(memory.ErrMalformedSignature, "unterminated string at %d", i)
			}
			tokens = append(tokens, text[i:i+end+2])
			i += end + 2
		default:
			j := i
			for j < len(text) && !strings.ContainsRune(" ,\t\n\r\"", rune(text[j])) {
				j++
			}
			tokens = append(tokens, text[i:j])
			i = j
		}
	}
	return tokens, nil
}

func parseToken(tok string) ([]byte, []byte, error) {
	if tok == "?" {
		return []byte{0}, []byte{0}, nil
	}

	if strings.HasPrefix(tok, `"`) {
		lit := tok[1 : len(tok)-1]
		if lit == "" {
			return nil, nil, errors.Wrap(memory.ErrMalformedSignature, "empty string literal")
		}
		return []byte(lit), fullMask(len(lit)), nil
	}

	if kind, value, ok := strings.Cut(tok, ":"); ok {
		p, err := parseTyped(strings.ToLower(kind), value)
		if err != nil {
			return nil, nil, err
		}
		return p, fullMask(len(p)), nil
	}

	if len(tok)%2 != 0 {
		return nil, nil, errors.Wrapf(memory.ErrMalformedSignature, "odd number of hex digits in %q", tok)
	}

	pattern := make([]byte, 0, len(tok)/2)
	mask := make([]byte, 0, len(tok)/2)
	for i := 0; i < len(tok); i += 2 {
		hi, hiMask, ok1 := nibble(tok[i])
		lo, loMask, ok2 := nibble(tok[i+1])
		if !ok1 || !ok2 {
			return nil, nil, errors.Wrapf(memory.ErrMalformedSignature, "invalid token %q", tok)
		}
		pattern = append(pattern, hi<<4|lo)
		mask = append(mask, hiMask<<4|loMask)
	}
	return pattern, mask, nil
}

func nibble(c byte) (value byte, mask byte, ok bool) {
	switch {
	case c == '?':
		return 0, 0, true
	case c >= '0' && c <= '9':
		return c - '0', 0xF, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, 0xF, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, 0xF, true
	}
	return 0, 0, false
}

func parseTyped(kind, value string) ([]byte, error) {
	var out []byte
	var err error

	switch kind {
	case "u8", "u16", "u32", "u64":
		bits, _ := strconv.Atoi(kind[1:])
		var v uint64
		if v, err = strconv.ParseUint(value, 0, bits); err == nil {
			out = putUint(v, bits/8)
		}
	case "i8", "i16", "i32", "i64":
		bits, _ := strconv.Atoi(kind[1:])
		var v int64
		if v, err = strconv.ParseInt(value, 0, bits); err == nil {
			out = putUint(uint64(v), bits/8)
		}
	case "f32":
		var v float64
		if v, err = strconv.ParseFloat(value, 32); err == nil {
			out = binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v)))
		}
	case "f64":
		var v float64
		if v, err = strconv.ParseFloat(value, 64); err == nil {
			out = binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
		}
	default:
		return nil, errors.Wrapf(memory.ErrMalformedSignature, "unknown literal type %q", kind)
	}

	if err != nil {
		return nil, errors.Wrapf(memory.ErrMalformedSignature, "%s:%s: %v", kind, value, err)
	}
	return out, nil
}

func putUint(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func fullMask(n int) []byte {
	m := make([]byte, n)
	for i := range m {
		m[i] = 0xFF
	}
	return m
}

func (s Signature) Len() int {
	return len(s.pattern)
}

func (s Signature) Pattern() []byte {
	return append([]byte(nil), s.pattern...)
}

func (s Signature) Mask() []byte {
	return append([]byte(nil), s.mask...)
}

// Text returns the text the signature was parsed from
func (s Signature) Text() string {
	return s.text
}

// IsWildcard reports whether byte i matches anything
func (s Signature) IsWildcard(i int) bool {
	return s.mask[i] == 0
}

// String renders the canonical form, e.g. "4D ?? 5A"
func (s Signature) String() string {
	var sb strings.Builder
	const digits = "0123456789ABCDEF"
	for i, b := range s.pattern {
		if i > 0 {
			sb.WriteByte(' ')
		}
		m := s.mask[i]
		if m&0xF0 == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte(digits[b>>4])
		}
		if m&0x0F == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte(digits[b&0xF])
		}
	}
	return sb.String()
}

// MatchAt reports whether the signature matches data at offset i
func (s Signature) MatchAt(data []byte, i int) bool {
	if i < 0 || i+len(s.pattern) > len(data) {
		return false
	}
	for j, p := range s.pattern {
		m := s.mask[j]
		if m == 0 {
			continue
		}
		if data[i+j]&m != p&m {
			return false
		}
	}
	return true
}

// Index returns the offset of the first match in data, or -1
func Index(data []byte, s Signature) int {
	return indexFrom(data, s, 0, len(data))
}

// IndexAll returns the offsets of every match in data, overlapping matches included
func IndexAll(data []byte, s Signature) []int {
	var matches []int
	for i := 0; ; i++ {
		i = indexFrom(data, s, i, len(data))
		if i < 0 {
			return matches
		}
		matches = append(matches, i)
	}
}

// indexFrom finds the first match starting in [from, limit)
func indexFrom(data []byte, s Signature, from, limit int) int {
	n := len(s.pattern)
	if n == 0 || len(data) < n {
		return -1
	}
	if last := len(data) - n; limit > last+1 {
		limit = last + 1
	}
	for i := from; i < limit; i++ {
		if s.MatchAt(data, i) {
			return i
		}
	}
	return -1
}
