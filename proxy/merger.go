package proxy

import (
	"fmt"
	"math"
)

const (
	DEL    = "DEL"
	UNLINK = "UNLINK"
	EXISTS = "EXISTS"
	TOUCH  = "TOUCH"
	MGET   = "MGET"
	MSET   = "MSET"
)

// MergeFunc folds the replies of every node of a route into the one reply the client gets.
// replies and errs are indexed like route.Nodes; a failed node has a nil reply slice.
type MergeFunc func(route *RouteResult, replies [][]*Reply, errs []error) *Reply

var mergers = map[string]MergeFunc{
	DEL:    mergeIntegerSum,
	UNLINK: mergeIntegerSum,
	EXISTS: mergeIntegerSum,
	TOUCH:  mergeIntegerSum,
	MSET:   mergeStatus,
	MGET:   mergeArrayByKey,
}

// MergerFor returns the merge function of a command, single key commands pass the reply through
func MergerFor(cmd string) MergeFunc {
	if m, ok := mergers[cmd]; ok {
		return m
	}
	return mergePassThrough
}

// SumIntegers adds up every integer reply. Other reply types are skipped, so an
// empty or all-error input sums to zero. A sum leaving the int64 range is an error reply.
func SumIntegers(replies []*Reply) *Reply {
	var sum int64
	for _, r := range replies {
		if !r.Is(T_Integer) {
			continue
		}
		v := r.Integer
		if (v > 0 && sum > math.MaxInt64-v) || (v < 0 && sum < math.MinInt64-v) {
			return NewErrorReply("ERR integer overflow summing backend replies")
		}
		sum += v
	}
	return NewIntegerReply(sum)
}

func mergeIntegerSum(_ *RouteResult, replies [][]*Reply, _ []error) *Reply {
	var all []*Reply
	for _, nodeReplies := range replies {
		all = append(all, nodeReplies...)
	}
	return SumIntegers(all)
}

// mergeStatus answers +OK only if every node did
func mergeStatus(_ *RouteResult, replies [][]*Reply, errs []error) *Reply {
	for i, err := range errs {
		if err != nil {
			return NewErrorReply(fmt.Sprintf("ERR backend failed: %v", err))
		}
		for _, r := range replies[i] {
			if r.Is(T_Error) {
				return r
			}
		}
	}
	return NewStatusReply("OK")
}

// mergeArrayByKey puts every value back at the position its key had in the client command.
// A failed node fails the whole command, a nil for its keys would read as a missing key.
func mergeArrayByKey(route *RouteResult, replies [][]*Reply, errs []error) *Reply {
	for i, err := range errs {
		if err != nil {
			return NewErrorReply(fmt.Sprintf("ERR backend failed: %v", err))
		}
		if len(replies[i]) == 0 {
			return NewErrorReply("ERR no reply from backend")
		}
		r := replies[i][0]
		if r.Is(T_Error) {
			return r
		}
		if !r.Is(T_Array) || r.IsNil {
			return NewErrorReply(fmt.Sprintf("ERR unexpected reply from %s", route.Nodes[i].Server))
		}
	}
	values := make([]*Reply, route.NumKeys)
	for i, node := range route.Nodes {
		arr := replies[i][0].Array
		for j, keyIndex := range node.KeyIndexes {
			if j < len(arr) {
				values[keyIndex] = arr[j]
			}
		}
	}
	for i, v := range values {
		if v == nil {
			values[i] = NewNilReply()
		}
	}
	return NewArrayReply(values)
}

func mergePassThrough(_ *RouteResult, replies [][]*Reply, errs []error) *Reply {
	for i, nodeReplies := range replies {
		if errs[i] != nil {
			return NewErrorReply(fmt.Sprintf("ERR backend failed: %v", errs[i]))
		}
		if len(nodeReplies) > 0 {
			return nodeReplies[0]
		}
	}
	return NewErrorReply("ERR no reply from backend")
}
