package broker

import (
	"sort"
	"time"

	"github.com/snowmerak/polychat/lib/instruction"
)

// Result is delivered exactly once to the issuer of a request.
type Result struct {
	Payload []byte
	Err     error
}

// PendingRequest is an issued request awaiting its response.
type PendingRequest struct {
	ID       uint64
	Op       instruction.Operation
	IssuedAt time.Time
	Deadline time.Time
	Retries  int

	result chan Result
}

// Done returns the channel on which the request's result is delivered.
// It receives exactly one value.
func (p *PendingRequest) Done() <-chan Result {
	return p.result
}

// Tracker allocates request IDs and correlates responses for one
// session. It is not safe for concurrent use; the session serializes
// access under its own lock.
type Tracker struct {
	plugin  Identity
	lastID  uint64
	pending map[uint64]*PendingRequest
}

// NewTracker returns an empty tracker for plugin.
func NewTracker(plugin Identity) *Tracker {
	return &Tracker{
		plugin:  plugin,
		pending: make(map[uint64]*PendingRequest),
	}
}

// Submit registers a new request and returns it. IDs start at 1 and are
// never reused within the tracker.
func (t *Tracker) Submit(op instruction.Operation, now time.Time, timeout time.Duration, retries int) *PendingRequest {
	t.lastID++
	request := &PendingRequest{
		ID:       t.lastID,
		Op:       op,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		Retries:  retries,
		result:   make(chan Result, 1),
	}
	t.pending[request.ID] = request
	return request
}

// Resolve delivers result to the request with id and removes it. It
// returns false if no such request is pending.
func (t *Tracker) Resolve(id uint64, result Result) bool {
	request, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	request.result <- result
	return true
}

// Cancel resolves the request with err. Same semantics as Resolve.
func (t *Tracker) Cancel(id uint64, err error) bool {
	return t.Resolve(id, Result{Err: err})
}

// Sweep resolves every request whose deadline is not after now with a
// Timeout error, and returns their IDs in ascending order.
func (t *Tracker) Sweep(now time.Time) []uint64 {
	var expired []uint64
	for id, request := range t.pending {
		if request.Deadline.After(now) {
			continue
		}
		expired = append(expired, id)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, id := range expired {
		request := t.pending[id]
		t.Resolve(id, Result{Err: newError(t.plugin, id, Timeout, "no response after %s", request.Deadline.Sub(request.IssuedAt))})
	}
	return expired
}

// CancelAll resolves every pending request with cause, tagged with the
// request's ID, and returns how many were canceled.
func (t *Tracker) CancelAll(cause *PluginError) int {
	count := 0
	for id := range t.pending {
		t.Resolve(id, Result{Err: cause.withRequest(id)})
		count++
	}
	return count
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	return len(t.pending)
}

// Lookup returns the pending request with id, if any.
func (t *Tracker) Lookup(id uint64) (*PendingRequest, bool) {
	request, ok := t.pending[id]
	return request, ok
}
