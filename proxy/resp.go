package proxy

import (
	"bytes"
	"fmt"
	"math"
)

const (
	T_SimpleString = '+'
	T_Error        = '-'
	T_Integer      = ':'
	T_BulkString   = '$'
	T_Array        = '*'
)

var (
	CRLF = []byte{'\r', '\n'}
)

// Reply is one decoded RESP frame
type Reply struct {
	T byte
	// Raw holds the whole frame, type byte and trailing CRLF included
	Raw []byte
	// Integer is the value of an integer reply, or the declared length of a bulk string / array
	Integer int64
	Array   []*Reply
	IsNil   bool
}

// Payload returns the frame without its type byte
func (r *Reply) Payload() []byte {
	if len(r.Raw) == 0 {
		return nil
	}
	return r.Raw[1:]
}

func (r *Reply) Is(t byte) bool {
	return r != nil && r.T == t
}

// Text returns the message of a simple string or error reply, or the body of a bulk string
func (r *Reply) Text() string {
	switch r.T {
	case T_SimpleString, T_Error:
		if len(r.Raw) < 3 {
			return ""
		}
		return string(r.Raw[1 : len(r.Raw)-2])
	case T_BulkString:
		if r.IsNil {
			return ""
		}
		end := len(r.Raw) - 2
		return string(r.Raw[end-int(r.Integer) : end])
	}
	return string(r.Payload())
}

type DecodeStatus int

const (
	NeedMoreData DecodeStatus = iota
	DecodeOK
)

func (s DecodeStatus) String() string {
	if s == DecodeOK {
		return "ok"
	}
	return "need more data"
}

// DecodeError reports malformed input. Offset is relative to the start of the decoded buffer.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("resp: %s at offset %d", e.Reason, e.Offset)
}

// TryDecode decodes expected frames laid back to back at the start of buf.
// It keeps no state between calls: on NeedMoreData the caller appends more bytes
// and calls again with the whole buffer. Frames alias buf.
func TryDecode(buf []byte, expected int) (frames []*Reply, consumed int, status DecodeStatus, err error) {
	frames = make([]*Reply, 0, expected)
	for len(frames) < expected {
		reply, next, complete, err := decodeFrame(buf, consumed)
		if err != nil {
			return nil, 0, NeedMoreData, err
		}
		if !complete {
			return frames, consumed, NeedMoreData, nil
		}
		frames = append(frames, reply)
		consumed = next
	}
	return frames, consumed, DecodeOK, nil
}

func decodeFrame(buf []byte, pos int) (*Reply, int, bool, error) {
	if pos >= len(buf) {
		return nil, pos, false, nil
	}
	t := buf[pos]
	switch t {
	case T_Integer:
		v, next, complete, err := parseInteger(buf, pos+1)
		if !complete {
			return nil, pos, false, err
		}
		return &Reply{T: t, Integer: v, Raw: buf[pos:next]}, next, true, nil

	case T_SimpleString, T_Error:
		i := bytes.Index(buf[pos+1:], CRLF)
		if i < 0 {
			return nil, pos, false, nil
		}
		next := pos + 1 + i + 2
		return &Reply{T: t, Raw: buf[pos:next]}, next, true, nil

	case T_BulkString:
		n, next, complete, err := parseInteger(buf, pos+1)
		if !complete {
			return nil, pos, false, err
		}
		if n < 0 {
			if n != -1 {
				return nil, pos, false, &DecodeError{Offset: pos + 1, Reason: "invalid bulk length"}
			}
			return &Reply{T: t, Integer: n, IsNil: true, Raw: buf[pos:next]}, next, true, nil
		}
		if n > int64(len(buf)) {
			return nil, pos, false, nil
		}
		end := next + int(n)
		if end+2 > len(buf) {
			return nil, pos, false, nil
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return nil, pos, false, &DecodeError{Offset: end, Reason: "bulk string not terminated by CRLF"}
		}
		return &Reply{T: t, Integer: n, Raw: buf[pos : end+2]}, end + 2, true, nil

	case T_Array:
		n, next, complete, err := parseInteger(buf, pos+1)
		if !complete {
			return nil, pos, false, err
		}
		if n < 0 {
			if n != -1 {
				return nil, pos, false, &DecodeError{Offset: pos + 1, Reason: "invalid array length"}
			}
			return &Reply{T: t, Integer: n, IsNil: true, Raw: buf[pos:next]}, next, true, nil
		}
		// every element takes at least 3 bytes, don't trust the count for preallocation
		elems := make([]*Reply, 0, min(n, int64(len(buf)-next)/3+1))
		for i := int64(0); i < n; i++ {
			elem, nx, complete, err := decodeFrame(buf, next)
			if !complete {
				return nil, pos, false, err
			}
			elems = append(elems, elem)
			next = nx
		}
		return &Reply{T: t, Integer: n, Array: elems, Raw: buf[pos:next]}, next, true, nil

	default:
		return nil, pos, false, &DecodeError{Offset: pos, Reason: fmt.Sprintf("unexpected type byte %q", t)}
	}
}

// parseInteger reads an optionally signed decimal terminated by CRLF starting at pos.
// next points right after the CRLF.
func parseInteger(buf []byte, pos int) (v int64, next int, complete bool, err error) {
	i := pos
	neg := false
	if i < len(buf) && buf[i] == '-' {
		neg = true
		i++
	}
	digits := 0
	for ; i < len(buf); i++ {
		c := buf[i]
		if c == '\r' {
			if digits == 0 {
				return 0, pos, false, &DecodeError{Offset: i, Reason: "missing digits"}
			}
			if i+1 >= len(buf) {
				return 0, pos, false, nil
			}
			if buf[i+1] != '\n' {
				return 0, pos, false, &DecodeError{Offset: i + 1, Reason: "expected LF after CR"}
			}
			if neg {
				v = -v
			}
			return v, i + 2, true, nil
		}
		if c < '0' || c > '9' {
			return 0, pos, false, &DecodeError{Offset: i, Reason: fmt.Sprintf("invalid digit %q", c)}
		}
		d := int64(c - '0')
		if v > (math.MaxInt64-d)/10 {
			return 0, pos, false, &DecodeError{Offset: i, Reason: "integer overflow"}
		}
		v = v*10 + d
		digits++
	}
	return 0, pos, false, nil
}
