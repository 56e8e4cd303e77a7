package proxy

import (
	"sync"
)

// Status is what a backend node reports after a chunk of bytes was fed to its tracker
type Status int

const (
	// StatusPending means the node still waits for more bytes, nothing was signalled
	StatusPending Status = iota
	// StatusNodeCompleted means this node has all its replies, others are outstanding
	StatusNodeCompleted
	// StatusAllNodesCompleted is reported exactly once per request, by the node finishing last
	StatusAllNodesCompleted
	// StatusError means this node failed, other nodes are still outstanding
	StatusError
	// StatusDiscarded means the request was already finished (or expired) when the node reported
	StatusDiscarded
)

var statusNames = [...]string{"pending", "node completed", "all nodes completed", "error", "discarded"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

type nodeResult struct {
	replies []*Reply
	err     error
	done    bool
}

// aggregate is the state one client request shares between all of its backend callbacks.
// Every transition happens under mu, finished flips exactly once.
type aggregate struct {
	mu       sync.Mutex
	nodes    []nodeResult
	pending  int
	finished bool
	expired  bool
}

// newAggregate counts every node as outstanding up front, so a fast node can never
// observe zero while other sub-requests are still being written
func newAggregate(numNodes int) *aggregate {
	return &aggregate{
		nodes:   make([]nodeResult, numNodes),
		pending: numNodes,
	}
}

func (a *aggregate) finishNode(idx int, replies []*Reply, err error) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := &a.nodes[idx]
	if a.finished || n.done {
		return StatusDiscarded
	}
	n.done = true
	n.err = err
	if err == nil {
		n.replies = replies
	}
	a.pending--
	if a.pending == 0 {
		a.finished = true
		return StatusAllNodesCompleted
	}
	if err != nil {
		return StatusError
	}
	return StatusNodeCompleted
}

// expire forces the request into its terminal state; false if it already got there
func (a *aggregate) expire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	a.finished = true
	a.expired = true
	return true
}

func (a *aggregate) isFinished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

func (a *aggregate) isExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expired
}

// results snapshots per node replies and errors, indexed like the route nodes
func (a *aggregate) results() (replies [][]*Reply, errs []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	replies = make([][]*Reply, len(a.nodes))
	errs = make([]error, len(a.nodes))
	for i, n := range a.nodes {
		replies[i] = n.replies
		errs[i] = n.err
	}
	return
}

// healthy tells if the connection of node idx can go back to the pool
func (a *aggregate) healthy(idx int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.nodes[idx]
	return n.done && n.err == nil
}

// NodeResponseTracker accumulates the bytes of one backend connection until the
// replies expected from it are complete. OnBytes must only be called from the
// goroutine reading that connection.
type NodeResponseTracker struct {
	agg      *aggregate
	index    int
	expected int
	buf      []byte
}

func newNodeResponseTracker(agg *aggregate, index, expected int) *NodeResponseTracker {
	return &NodeResponseTracker{
		agg:      agg,
		index:    index,
		expected: expected,
	}
}

func (t *NodeResponseTracker) OnBytes(p []byte) Status {
	t.buf = append(t.buf, p...)
	frames, consumed, status, err := TryDecode(t.buf, t.expected)
	if err == nil && status == DecodeOK && consumed != len(t.buf) {
		err = &DecodeError{Offset: consumed, Reason: "unexpected bytes after last reply"}
	}
	if err != nil {
		t.buf = nil
		return t.agg.finishNode(t.index, nil, err)
	}
	if status == NeedMoreData {
		return StatusPending
	}
	t.buf = nil
	return t.agg.finishNode(t.index, frames, nil)
}

// Fail finishes the node without replies, e.g. the backend was unreachable or the read broke
func (t *NodeResponseTracker) Fail(err error) Status {
	return t.agg.finishNode(t.index, nil, err)
}
