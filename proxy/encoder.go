package proxy

import (
	"github.com/tidwall/redcon"
)

// type byte, sign, 19 digits of an int64 and CRLF
const maxIntegerFrameLen = 1 + 1 + 19 + 2

// AppendInteger appends ":<v>\r\n" to dst. Digits are rendered right to left into a
// stack buffer, no intermediate string is built.
func AppendInteger(dst []byte, v int64) []byte {
	var buf [maxIntegerFrameLen]byte
	i := len(buf) - 2
	buf[i], buf[i+1] = '\r', '\n'
	// -v wraps for MinInt64, the uint64 conversion still yields its magnitude
	u := uint64(v)
	if v < 0 {
		u = uint64(-v)
	}
	if u == 0 {
		i--
		buf[i] = '0'
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if v < 0 {
		i--
		buf[i] = '-'
	}
	i--
	buf[i] = T_Integer
	return append(dst, buf[i:]...)
}

func NewIntegerReply(v int64) *Reply {
	return &Reply{T: T_Integer, Integer: v, Raw: AppendInteger(nil, v)}
}

func NewErrorReply(msg string) *Reply {
	return &Reply{T: T_Error, Raw: redcon.AppendError(nil, msg)}
}

func NewStatusReply(msg string) *Reply {
	return &Reply{T: T_SimpleString, Raw: redcon.AppendString(nil, msg)}
}

func NewNilReply() *Reply {
	return &Reply{T: T_BulkString, Integer: -1, IsNil: true, Raw: redcon.AppendNull(nil)}
}

// NewArrayReply builds an array frame out of already framed elements
func NewArrayReply(elems []*Reply) *Reply {
	raw := redcon.AppendArray(nil, len(elems))
	for _, e := range elems {
		raw = AppendReply(raw, e)
	}
	return &Reply{T: T_Array, Integer: int64(len(elems)), Array: elems, Raw: raw}
}

// AppendReply renders r in wire format
func AppendReply(dst []byte, r *Reply) []byte {
	if r == nil {
		return redcon.AppendNull(dst)
	}
	if len(r.Raw) > 0 {
		return append(dst, r.Raw...)
	}
	switch r.T {
	case T_Integer:
		return AppendInteger(dst, r.Integer)
	case T_Array:
		dst = redcon.AppendArray(dst, len(r.Array))
		for _, e := range r.Array {
			dst = AppendReply(dst, e)
		}
		return dst
	default:
		return redcon.AppendNull(dst)
	}
}
