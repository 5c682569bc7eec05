package signature

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors
var ErrNotFound = errors.New("pattern scan failed")
var ErrEmptySignature = errors.New("empty signature")

type token struct {
	value    byte
	wildcard bool
}

// Signature is a byte pattern where any token may be a wildcard.
type Signature struct {
	tokens []token
	anchor int // index of the first literal token, -1 if every token is a wildcard
}

// Parse reads the "48 8B 05 ?? ?? ?? ??" notation. A wildcard is "?" or "??" and always covers a whole byte.
func Parse(text string) (Signature, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Signature{}, ErrEmptySignature
	}

	sig := Signature{tokens: make([]token, len(fields)), anchor: -1}
	for i, f := range fields {
		if f == "?" || f == "??" {
			sig.tokens[i] = token{wildcard: true}
			continue
		}
		if len(f) != 2 {
			return Signature{}, fmt.Errorf("invalid token %q at position %d", f, i)
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid token %q at position %d", f, i)
		}
		sig.tokens[i] = token{value: byte(v)}
		if sig.anchor < 0 {
			sig.anchor = i
		}
	}
	return sig, nil
}

func MustParse(text string) Signature {
	sig, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return sig
}

// Patched returns the signature as it reads once data has been written at off.
// The result grows if data runs past the end.
func (s Signature) Patched(off int, data []byte) Signature {
	n := len(s.tokens)
	if off+len(data) > n {
		n = off + len(data)
	}
	out := Signature{tokens: make([]token, n), anchor: -1}
	copy(out.tokens, s.tokens)
	for i := len(s.tokens); i < off; i++ {
		out.tokens[i] = token{wildcard: true}
	}
	for i, b := range data {
		out.tokens[off+i] = token{value: b}
	}
	for i, t := range out.tokens {
		if !t.wildcard {
			out.anchor = i
			break
		}
	}
	return out
}

// Len is the number of bytes compared at every offset.
func (s Signature) Len() int {
	return len(s.tokens)
}

func (s Signature) String() string {
	var b strings.Builder
	for i, t := range s.tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		if t.wildcard {
			b.WriteString("??")
		} else {
			fmt.Fprintf(&b, "%02X", t.value)
		}
	}
	return b.String()
}

// Match reports whether data starts with the signature.
func (s Signature) Match(data []byte) bool {
	if len(s.tokens) == 0 || len(data) < len(s.tokens) {
		return false
	}
	for k, t := range s.tokens {
		if !t.wildcard && data[k] != t.value {
			return false
		}
	}
	return true
}

// Index returns the lowest offset in data where the signature matches, or -1.
func (s Signature) Index(data []byte) int {
	n := len(s.tokens)
	if n == 0 || len(data) < n {
		return -1
	}

	last := len(data) - n
	for i := 0; i <= last; i++ {
		// Jump straight to the next offset where the first literal byte lines up
		if s.anchor >= 0 {
			j := bytes.IndexByte(data[i+s.anchor:last+s.anchor+1], s.tokens[s.anchor].value)
			if j < 0 {
				return -1
			}
			i += j
		}
		if s.Match(data[i:]) {
			return i
		}
	}
	return -1
}
