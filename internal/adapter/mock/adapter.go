// Package mock provides an in-process exchange adapter for tests and dry runs
package mock

import (
	"sync"

	"pingpong/internal/core"
	"pingpong/internal/engine"
)

// CancelRequest records one cancel issued through the adapter.
type CancelRequest struct {
	OrderID string
	Pos     *engine.Position
}

// ProbeRequest records one getorder probe issued through the adapter.
type ProbeRequest struct {
	OrderID string
	Pos     *engine.Position
}

// Adapter implements engine.ExchangeAdapter by recording every call. Replies
// are driven by the test through the engine's On* methods, which mirrors the
// asynchronous reply flow of a real venue.
type Adapter struct {
	mu sync.Mutex

	traits core.ExchangeTraits

	submitted  []*engine.Position
	cancels    []CancelRequest
	probes     []ProbeRequest
	aborted    []*engine.Position
	bookPulls  int
	yield      bool
	queueDepth int
}

var _ engine.ExchangeAdapter = (*Adapter)(nil)

// New creates a mock adapter reporting the given traits.
func New(traits core.ExchangeTraits) *Adapter {
	if traits.Name == "" {
		traits.Name = "mock"
	}
	return &Adapter{traits: traits}
}

func (a *Adapter) Traits() core.ExchangeTraits { return a.traits }

func (a *Adapter) Submit(pos *engine.Position, _ bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, pos)
}

func (a *Adapter) Cancel(orderID string, pos *engine.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, CancelRequest{OrderID: orderID, Pos: pos})
}

func (a *Adapter) GetOrder(orderID string, pos *engine.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes = append(a.probes, ProbeRequest{OrderID: orderID, Pos: pos})
}

func (a *Adapter) RequestOpenOrders() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bookPulls++
}

func (a *Adapter) Abort(pos *engine.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, pos)
}

func (a *Adapter) YieldToFlowControl() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.yield
}

func (a *Adapter) QueuedCommands() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queueDepth
}

// SetYield toggles the flow-control predicate.
func (a *Adapter) SetYield(yield bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.yield = yield
}

// SetQueueDepth fakes the pending command count.
func (a *Adapter) SetQueueDepth(depth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queueDepth = depth
}

// Submitted returns all recorded submits.
func (a *Adapter) Submitted() []*engine.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*engine.Position(nil), a.submitted...)
}

// PopSubmitted drains and returns the recorded submits.
func (a *Adapter) PopSubmitted() []*engine.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.submitted
	a.submitted = nil
	return out
}

// Cancels returns all recorded cancels.
func (a *Adapter) Cancels() []CancelRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CancelRequest(nil), a.cancels...)
}

// Probes returns all recorded getorder probes.
func (a *Adapter) Probes() []ProbeRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ProbeRequest(nil), a.probes...)
}

// Aborted returns every position whose in-flight requests were aborted.
func (a *Adapter) Aborted() []*engine.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*engine.Position(nil), a.aborted...)
}

// BookPulls returns how many out-of-band open-order snapshots were requested.
func (a *Adapter) BookPulls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bookPulls
}
