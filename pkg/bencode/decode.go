// Package bencode implements the BitTorrent serialization format: integers,
// byte strings, lists, and dictionaries with byte-string keys.
//
// Decoded values map to int64, string, []any, and map[string]any. Byte
// strings are carried as Go strings so they can hold arbitrary binary data
// and serve as map keys.
package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	openDict    = 'd'
	openList    = 'l'
	openInteger = 'i'
	closeValue  = 'e'
	stringColon = ':'
)

// Decoder limits. Inbound data is untrusted; these bound the work a single
// datagram can cause.
const (
	maxDepth     = 64
	maxStringLen = 1 << 20 // 1 MiB, far above any KRPC payload
	maxIntDigits = 19      // fits int64
)

// Unmarshal parses exactly one bencoded value from data. Trailing bytes after
// the first value are an error.
func Unmarshal(data []byte) (any, error) {
	d := &decoder{r: bufio.NewReader(bytes.NewReader(data))}

	v, err := d.value(0)
	if err != nil {
		return nil, err
	}

	if _, err := d.r.Peek(1); err == nil {
		return nil, errors.New("bencode: trailing data after value")
	} else if err != io.EOF {
		return nil, err
	}

	return v, nil
}

type decoder struct {
	r *bufio.Reader
}

func (d *decoder) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, errors.New("bencode: nesting too deep")
	}

	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch b {
	case openDict:
		return d.dict(depth + 1)
	case openList:
		return d.list(depth + 1)
	case openInteger:
		return d.integer(closeValue)
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.str()
	}
}

// dict parses the body of a dictionary. Keys must be byte strings; anything
// else fails the whole value.
func (d *decoder) dict(depth int) (map[string]any, error) {
	m := make(map[string]any, 4)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == closeValue {
			d.r.ReadByte()
			return m, nil
		}
		if next[0] == openDict || next[0] == openList || next[0] == openInteger {
			return nil, errors.New("bencode: dictionary key is not a string")
		}

		k, err := d.str()
		if err != nil {
			return nil, err
		}
		v, err := d.value(depth)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
}

func (d *decoder) list(depth int) ([]any, error) {
	l := make([]any, 0, 4)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == closeValue {
			d.r.ReadByte()
			return l, nil
		}

		v, err := d.value(depth)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
}

func (d *decoder) str() (string, error) {
	n, err := d.integer(stringColon)
	if err != nil {
		return "", err
	}

	switch {
	case n < 0:
		return "", errors.New("bencode: negative string length")
	case n > maxStringLen:
		return "", fmt.Errorf("bencode: string length %d exceeds limit", n)
	case n == 0:
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("bencode: short string: %w", err)
	}
	return string(buf), nil
}

// integer reads base-10 digits up to delim, rejecting leading zeros and
// negative zero as the format requires.
func (d *decoder) integer(delim byte) (int64, error) {
	raw, err := d.r.ReadSlice(delim)
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, errors.New("bencode: integer too long")
		}
		return 0, err
	}

	s := raw[:len(raw)-1]
	if len(s) == 0 {
		return 0, errors.New("bencode: empty integer")
	}
	if s[0] == '-' && len(s) > 1 && s[1] == '0' {
		return 0, errors.New("bencode: negative zero")
	}
	if s[0] == '0' && len(s) > 1 {
		return 0, errors.New("bencode: leading zero")
	}
	if len(s) > maxIntDigits+1 {
		return 0, errors.New("bencode: integer overflow")
	}

	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: bad integer: %w", err)
	}
	return v, nil
}
