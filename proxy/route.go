package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/redcon"
)

var (
	ERR_NO_KEY          = errors.New("ERR wrong number of arguments")
	ERR_SLOT_NOT_SERVED = errors.New("CLUSTERDOWN Hash slot not served")
)

// RouteResultNode is the part of a client command one backend server has to run
type RouteResultNode struct {
	Server string
	// Buffer is the sub-request in wire format
	Buffer []byte
	Keys   [][]byte
	// KeyIndexes are the positions of Keys in the client command
	KeyIndexes []int
	// NumReplies is the number of reply frames Buffer produces
	NumReplies int
}

// RouteResult is created once per client request and consumed by a single Dispatch
type RouteResult struct {
	Cmd         string
	Nodes       []*RouteResultNode
	NumKeys     int
	RequestSize int
}

// FirstKey is the key recorded for telemetry
func (rr *RouteResult) FirstKey() []byte {
	if len(rr.Nodes) == 0 || len(rr.Nodes[0].Keys) == 0 {
		return nil
	}
	return rr.Nodes[0].Keys[0]
}

func (rr *RouteResult) NumReplies() int {
	n := 0
	for _, node := range rr.Nodes {
		n += node.NumReplies
	}
	return n
}

// Router maps a client command onto the servers owning its keys
type Router interface {
	Route(cmd redcon.Command) (*RouteResult, error)
}

// Route splits multi key commands per server, any other command goes whole to the owner of its first key
func (st *SlotTable) Route(cmd redcon.Command) (*RouteResult, error) {
	if len(cmd.Args) < 2 {
		return nil, ERR_NO_KEY
	}
	name := strings.ToUpper(string(cmd.Args[0]))
	rr := &RouteResult{
		Cmd:         name,
		RequestSize: len(cmd.Raw),
	}

	step, multiKey := IsMultiKeyCmd(name)
	if !multiKey {
		key := cmd.Args[1]
		server := st.Get(Key2Slot(key))
		if server == "" {
			return nil, ERR_SLOT_NOT_SERVED
		}
		rr.NumKeys = 1
		rr.Nodes = []*RouteResultNode{{
			Server:     server,
			Buffer:     encodeCommand(string(cmd.Args[0]), cmd.Args[1:]),
			Keys:       [][]byte{key},
			KeyIndexes: []int{0},
			NumReplies: 1,
		}}
		return rr, nil
	}

	args := cmd.Args[1:]
	if len(args)%step != 0 {
		return nil, fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
	}
	rr.NumKeys = len(args) / step
	nodeArgs := make(map[string][][]byte)
	byServer := make(map[string]*RouteResultNode)
	for i := 0; i < rr.NumKeys; i++ {
		key := args[i*step]
		server := st.Get(Key2Slot(key))
		if server == "" {
			return nil, ERR_SLOT_NOT_SERVED
		}
		node, ok := byServer[server]
		if !ok {
			node = &RouteResultNode{Server: server, NumReplies: 1}
			byServer[server] = node
			rr.Nodes = append(rr.Nodes, node)
		}
		node.Keys = append(node.Keys, key)
		node.KeyIndexes = append(node.KeyIndexes, i)
		nodeArgs[server] = append(nodeArgs[server], args[i*step:(i+1)*step]...)
	}
	for _, node := range rr.Nodes {
		node.Buffer = encodeCommand(name, nodeArgs[node.Server])
	}
	return rr, nil
}

func encodeCommand(name string, args [][]byte) []byte {
	buf := redcon.AppendArray(nil, 1+len(args))
	buf = redcon.AppendBulkString(buf, name)
	for _, arg := range args {
		buf = redcon.AppendBulk(buf, arg)
	}
	return buf
}
