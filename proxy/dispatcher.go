package proxy

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// dispatcher scatters routed requests to the backends

var (
	ERR_EMPTY_ROUTE = errors.New("empty route result")
)

type Dispatcher struct {
	pool    BackendPool
	timeout time.Duration
	policy  PartialErrorPolicy
}

// NewDispatcher builds a dispatcher, a zero timeout disables request deadlines
func NewDispatcher(pool BackendPool, timeout time.Duration, policy PartialErrorPolicy) *Dispatcher {
	d := &Dispatcher{
		pool:    pool,
		timeout: timeout,
		policy:  policy,
	}
	return d
}

// Dispatch writes one sub-request per route node and returns without waiting for replies.
// The reply reaches front once the last node finished, see MultiRequest.
func (d *Dispatcher) Dispatch(route *RouteResult, front RespReadWriter, guard *FrontGuard) (*MultiRequest, error) {
	if len(route.Nodes) == 0 {
		return nil, ERR_EMPTY_ROUTE
	}
	mr := NewMultiRequest(route, front, guard, d.policy)

	// record before the first byte leaves, the latency covers the whole scatter
	guard.Begin(route.Cmd, route.FirstKey(), route.RequestSize)
	if d.timeout > 0 {
		mr.setDeadline(d.timeout)
	}

	for i, node := range route.Nodes {
		conn, err := d.pool.Acquire(node.Server)
		if err != nil {
			mr.onStatus(i, mr.trackers[i].Fail(err))
			continue
		}
		if !mr.attach(i, conn) {
			conn.Release(false)
			continue
		}
		idx := i
		conn.Serve(func(p []byte) bool {
			return mr.handleResponse(idx, p)
		}, func(err error) {
			mr.handleError(idx, err)
		})
		if err := conn.Write(node.Buffer); err != nil {
			log.Errorf("dispatch to backend failed, server=%s,err=%s", node.Server, err)
			mr.onStatus(i, mr.trackers[i].Fail(err))
		}
	}
	return mr, nil
}
