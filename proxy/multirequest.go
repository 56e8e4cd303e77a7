package proxy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRequestTimeout = errors.New("ERR proxy timeout waiting for backend reply")
)

// PartialErrorPolicy decides what the client gets when some nodes of a request failed
type PartialErrorPolicy int

const (
	// PartialErrorBestEffort merges whatever the healthy nodes replied
	PartialErrorBestEffort PartialErrorPolicy = iota
	// PartialErrorStrict answers an error as soon as one node failed
	PartialErrorStrict
)

func ParsePartialErrorPolicy(s string) (PartialErrorPolicy, error) {
	switch s {
	case "best-effort", "":
		return PartialErrorBestEffort, nil
	case "strict":
		return PartialErrorStrict, nil
	}
	return 0, fmt.Errorf("invalid partial error policy %q (expected best-effort or strict)", s)
}

func (p PartialErrorPolicy) String() string {
	if p == PartialErrorStrict {
		return "strict"
	}
	return "best-effort"
}

type RequestState int32

const (
	StateDispatched RequestState = iota
	StateMerging
	StateReplied
	StateFailed
)

var stateNames = [...]string{"dispatched", "merging", "replied", "failed"}

func (s RequestState) String() string {
	return stateNames[s]
}

/*
MultiRequest is one client command scattered to the servers of its route.

Every node gets a NodeResponseTracker fed by the reading loop of its backend
connection. The node finishing last merges the replies, writes the single reply
to the client under the FrontGuard lock and releases all backend connections.
A node finishing earlier only releases its own connection.
*/
type MultiRequest struct {
	route    *RouteResult
	merge    MergeFunc
	policy   PartialErrorPolicy
	agg      *aggregate
	trackers []*NodeResponseTracker
	front    RespReadWriter
	guard    *FrontGuard
	state    atomic.Int32

	mu       sync.Mutex
	backends []BackendConn
	timer    *time.Timer

	done chan struct{}
	err  error
}

func NewMultiRequest(route *RouteResult, front RespReadWriter, guard *FrontGuard, policy PartialErrorPolicy) *MultiRequest {
	agg := newAggregate(len(route.Nodes))
	mr := &MultiRequest{
		route:    route,
		merge:    MergerFor(route.Cmd),
		policy:   policy,
		agg:      agg,
		trackers: make([]*NodeResponseTracker, len(route.Nodes)),
		front:    front,
		guard:    guard,
		backends: make([]BackendConn, len(route.Nodes)),
		done:     make(chan struct{}),
	}
	for i, node := range route.Nodes {
		mr.trackers[i] = newNodeResponseTracker(agg, i, node.NumReplies)
	}
	return mr
}

// Done is closed once the request replied or failed
func (mr *MultiRequest) Done() <-chan struct{} {
	return mr.done
}

// Err blocks until the request is over and returns the error it ended with
func (mr *MultiRequest) Err() error {
	<-mr.done
	return mr.err
}

func (mr *MultiRequest) State() RequestState {
	return RequestState(mr.state.Load())
}

func (mr *MultiRequest) setDeadline(d time.Duration) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.timer = time.AfterFunc(d, mr.expire)
}

// attach hands the connection of node idx to the request, false if the request is already over
func (mr *MultiRequest) attach(idx int, conn BackendConn) bool {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.agg.isFinished() {
		return false
	}
	mr.backends[idx] = conn
	return true
}

func (mr *MultiRequest) handleResponse(idx int, p []byte) (stop bool) {
	status := mr.trackers[idx].OnBytes(p)
	if status == StatusPending {
		return false
	}
	mr.onStatus(idx, status)
	return true
}

func (mr *MultiRequest) handleError(idx int, err error) {
	mr.onStatus(idx, mr.trackers[idx].Fail(err))
}

func (mr *MultiRequest) onStatus(idx int, status Status) {
	switch status {
	case StatusNodeCompleted:
		mr.releaseBackend(idx, true)
	case StatusError:
		log.Warningf("node failed, cmd=%s,server=%s", mr.route.Cmd, mr.route.Nodes[idx].Server)
		mr.releaseBackend(idx, false)
	case StatusDiscarded:
		mr.releaseBackend(idx, false)
	case StatusAllNodesCompleted:
		if err := mr.complete(); err != nil {
			log.Errorf("backend write to front err: %s", err)
		}
	}
}

// complete merges and writes the reply. Backend connections and the client lock are
// released on every path, a client write error closes the client and is returned.
func (mr *MultiRequest) complete() (err error) {
	mr.state.Store(int32(StateMerging))
	defer func() {
		mr.finish(err)
	}()
	return mr.guard.WithLock(func(session *FrontSession) error {
		defer mr.releaseAll()

		replies, errs := mr.agg.results()
		var failed []error
		for i, e := range errs {
			if e != nil {
				failed = append(failed, fmt.Errorf("%s: %w", mr.route.Nodes[i].Server, e))
			}
		}
		var reply *Reply
		if len(failed) > 0 && mr.policy == PartialErrorStrict {
			reply = NewErrorReply(fmt.Sprintf("ERR %d of %d shards failed: %v", len(failed), len(errs), failed[0]))
		} else {
			if len(failed) > 0 {
				log.Warningf("partial reply, cmd=%s,failed=%d/%d,first=%s", mr.route.Cmd, len(failed), len(errs), failed[0])
			}
			reply = mr.merge(mr.route, replies, errs)
		}

		raw := AppendReply(nil, reply)
		n, werr := mr.front.WriteReply(raw)
		mr.guard.record(session, n, len(failed) > 0 || werr != nil || reply.Is(T_Error))
		if werr != nil {
			mr.front.Close()
			return werr
		}
		return nil
	})
}

// expire fires when the request deadline passes before every node finished
func (mr *MultiRequest) expire() {
	if !mr.agg.expire() {
		return
	}
	log.Warningf("request timeout, cmd=%s,nodes=%d", mr.route.Cmd, len(mr.route.Nodes))
	err := mr.guard.WithLock(func(session *FrontSession) error {
		defer mr.releaseAll()
		n, werr := mr.front.WriteReply(NewErrorReply(ErrRequestTimeout.Error()).Raw)
		mr.guard.record(session, n, true)
		if werr != nil {
			mr.front.Close()
			return werr
		}
		return nil
	})
	if err == nil {
		err = ErrRequestTimeout
	}
	mr.finish(err)
}

func (mr *MultiRequest) finish(err error) {
	mr.mu.Lock()
	if mr.timer != nil {
		mr.timer.Stop()
	}
	mr.mu.Unlock()
	if err != nil {
		mr.state.Store(int32(StateFailed))
	} else {
		mr.state.Store(int32(StateReplied))
	}
	mr.err = err
	close(mr.done)
}

func (mr *MultiRequest) releaseBackend(idx int, healthy bool) {
	mr.mu.Lock()
	conn := mr.backends[idx]
	mr.backends[idx] = nil
	mr.mu.Unlock()
	if conn != nil {
		conn.Release(healthy)
	}
}

func (mr *MultiRequest) releaseAll() {
	expired := mr.agg.isExpired()
	for i := range mr.backends {
		mr.releaseBackend(i, !expired && mr.agg.healthy(i))
	}
}
