// Package coordinator tracks pending image requests so that concurrent
// requests for the same work share one downstream operation.
//
// A pending request is in one of three stages. Network and details stages
// are keyed by URI because the work they wait for (a download, a dimension
// lookup) does not depend on the sample size; the decode stage is keyed by
// the full decode signature. The coordinator never starts work itself: the
// caller decides the stage and dispatches, the coordinator records waiters
// and fans results out.
//
// Listener callbacks are never invoked while the coordinator lock is held.
package coordinator

import (
	"fmt"
	"sync"

	"pixelgate/internal/cache"
	"pixelgate/pkg/types"
)

// Stage is what a pending request is waiting for.
type Stage int

const (
	StageNetwork Stage = iota + 1
	StageDecode
	StageDetails
)

func (s Stage) String() string {
	switch s {
	case StageNetwork:
		return "network"
	case StageDecode:
		return "decode"
	case StageDetails:
		return "details"
	default:
		return "unknown"
	}
}

// Outcome is the result of TryCoalesce.
type Outcome int

const (
	NotQueued Outcome = iota
	QueuedForNetwork
	QueuedForDecode
	QueuedForDetails
)

func (o Outcome) String() string {
	switch o {
	case QueuedForNetwork:
		return "queued_for_network"
	case QueuedForDecode:
		return "queued_for_decode"
	case QueuedForDetails:
		return "queued_for_details"
	default:
		return "not_queued"
	}
}

// Resolver computes the decode key of a request once its sample size can
// be known. ok is false when it still cannot.
type Resolver func(req types.ImageRequest) (key cache.Key, ok bool)

type waiter struct {
	listener types.Listener
	request  types.ImageRequest
}

type pending struct {
	stage   Stage
	uri     string
	key     cache.Key
	waiters []waiter
}

// Coordinator is the pending-request registry. The zero value is not
// usable; call New.
type Coordinator struct {
	mu         sync.Mutex
	network    map[string]*pending
	details    map[string]*pending
	decode     map[cache.Key]*pending
	byListener map[types.Listener]*pending
}

func New() *Coordinator {
	return &Coordinator{
		network:    make(map[string]*pending),
		details:    make(map[string]*pending),
		decode:     make(map[cache.Key]*pending),
		byListener: make(map[types.Listener]*pending),
	}
}

// TryCoalesce appends l to a pending request that req can share, checking
// the network stage (by URI), then the decode stage (by key, only when
// resolved), then the details stage (by URI). It returns NotQueued when
// nothing matches; the caller then routes the request and calls Register.
func (c *Coordinator) TryCoalesce(req types.ImageRequest, key cache.Key, resolved bool, l types.Listener) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.network[key.URI]; ok {
		c.addLocked(p, l, req)
		return QueuedForNetwork
	}
	if resolved {
		if p, ok := c.decode[key]; ok {
			c.addLocked(p, l, req)
			return QueuedForDecode
		}
	}
	if p, ok := c.details[key.URI]; ok {
		c.addLocked(p, l, req)
		return QueuedForDetails
	}
	return NotQueued
}

// Register records l as waiting on stage for key. It returns true when it
// created the pending request, meaning the caller must start the
// downstream operation, and false when it joined one that already exists.
func (c *Coordinator) Register(stage Stage, req types.ImageRequest, key cache.Key, l types.Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, created := c.getOrCreateLocked(stage, key)
	c.addLocked(p, l, req)
	return created
}

// Tracks reports whether l is currently waiting on a pending request.
func (c *Coordinator) Tracks(l types.Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byListener[l]
	return ok
}

// CompleteSuccess fans bitmap out to every listener waiting on the decode
// of key, in registration order, and forgets the pending request. It
// returns the number of listeners notified; zero when nothing was pending.
func (c *Coordinator) CompleteSuccess(key cache.Key, bitmap *types.Bitmap, source types.Tier) int {
	c.mu.Lock()
	p, ok := c.decode[key]
	if ok {
		c.removeLocked(p)
	}
	c.mu.Unlock()

	if !ok {
		return 0
	}
	for _, w := range p.waiters {
		w.listener.OnAvailable(bitmap, source)
	}
	return len(p.waiters)
}

// CompleteFailure is CompleteSuccess for a failed decode.
func (c *Coordinator) CompleteFailure(key cache.Key, message string) int {
	c.mu.Lock()
	p, ok := c.decode[key]
	if ok {
		c.removeLocked(p)
	}
	c.mu.Unlock()

	if !ok {
		return 0
	}
	return fail([]*pending{p}, message)
}

// FailURI fails every pending request for uri whatever its stage or
// sample size. Used when the download they all depend on failed.
func (c *Coordinator) FailURI(uri string, message string) int {
	c.mu.Lock()
	var failed []*pending
	if p, ok := c.network[uri]; ok {
		failed = append(failed, p)
	}
	if p, ok := c.details[uri]; ok {
		failed = append(failed, p)
	}
	for k, p := range c.decode {
		if k.URI == uri {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		c.removeLocked(p)
	}
	c.mu.Unlock()

	return fail(failed, message)
}

// FailDetails fails the details-stage request for uri.
func (c *Coordinator) FailDetails(uri string, message string) int {
	c.mu.Lock()
	p, ok := c.details[uri]
	if ok {
		c.removeLocked(p)
	}
	c.mu.Unlock()

	if !ok {
		return 0
	}
	return fail([]*pending{p}, message)
}

// Advance moves the waiters of the network or details request for uri
// into decode requests, using resolve to compute each waiter's key.
//
// It returns the decode keys it created; the caller must start a decode
// for each. Network waiters that still cannot be resolved are moved to a
// details request and needDetails reports whether that request was
// created. Details waiters that cannot be resolved are failed.
func (c *Coordinator) Advance(stage Stage, uri string, resolve Resolver) (created []cache.Key, needDetails bool) {
	if stage != StageNetwork && stage != StageDetails {
		panic(fmt.Sprintf("coordinator: cannot advance from stage %s", stage))
	}

	c.mu.Lock()
	p, ok := c.stageMap(stage)[uri]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	// Unlink the request but keep its listeners indexed so Cancel still
	// finds them while resolve runs unlocked.
	delete(c.stageMap(stage), uri)
	waiters := append([]waiter(nil), p.waiters...)
	c.mu.Unlock()

	type resolution struct {
		key cache.Key
		ok  bool
	}
	resolved := make([]resolution, len(waiters))
	for i, w := range waiters {
		k, ok := resolve(w.request)
		resolved[i] = resolution{key: k, ok: ok}
	}

	var unresolved []waiter

	c.mu.Lock()
	for i, w := range waiters {
		if c.byListener[w.listener] != p {
			// Cancelled while unlocked.
			continue
		}
		delete(c.byListener, w.listener)

		r := resolved[i]
		switch {
		case r.ok:
			dp, isNew := c.getOrCreateLocked(StageDecode, r.key)
			if isNew {
				created = append(created, r.key)
			}
			c.addLocked(dp, w.listener, w.request)
		case stage == StageNetwork:
			dp, isNew := c.getOrCreateLocked(StageDetails, cache.DetailsKey(uri))
			if isNew {
				needDetails = true
			}
			c.addLocked(dp, w.listener, w.request)
		default:
			unresolved = append(unresolved, w)
		}
	}
	p.waiters = nil
	c.mu.Unlock()

	msg := "unable to resolve sample size for " + uri
	for _, w := range unresolved {
		w.listener.OnFailure(msg)
	}
	return created, needDetails
}

// Cancel removes l from whichever pending request holds it. When l was the
// last listener the pending request is dropped; work already running is
// not aborted and its completion becomes a no-op.
func (c *Coordinator) Cancel(l types.Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byListener[l]
	if !ok {
		return false
	}
	delete(c.byListener, l)

	for i, w := range p.waiters {
		if w.listener == l {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}

	if len(p.waiters) == 0 {
		c.unlinkLocked(p)
	}
	return true
}

// IsPending reports whether a request for key would be coalesced.
func (c *Coordinator) IsPending(key cache.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.decode[key]; ok {
		return true
	}
	if _, ok := c.network[key.URI]; ok {
		return true
	}
	_, ok := c.details[key.URI]
	return ok
}

// IsNetworkPending reports whether a download for uri has waiters.
func (c *Coordinator) IsNetworkPending(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.network[uri]
	return ok
}

// Len returns the number of pending requests across all stages.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.network) + len(c.details) + len(c.decode)
}

// Listeners returns the number of listeners waiting.
func (c *Coordinator) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byListener)
}

// stageMap returns the URI-keyed map for the network and details stages.
func (c *Coordinator) stageMap(stage Stage) map[string]*pending {
	switch stage {
	case StageNetwork:
		return c.network
	case StageDetails:
		return c.details
	default:
		return nil
	}
}

func (c *Coordinator) getOrCreateLocked(stage Stage, key cache.Key) (*pending, bool) {
	if stage == StageDecode {
		if p, ok := c.decode[key]; ok {
			return p, false
		}
		p := &pending{stage: stage, uri: key.URI, key: key}
		c.decode[key] = p
		return p, true
	}

	m := c.stageMap(stage)
	if p, ok := m[key.URI]; ok {
		return p, false
	}
	p := &pending{stage: stage, uri: key.URI, key: cache.DetailsKey(key.URI)}
	m[key.URI] = p
	return p, true
}

func (c *Coordinator) addLocked(p *pending, l types.Listener, req types.ImageRequest) {
	p.waiters = append(p.waiters, waiter{listener: l, request: req})
	c.byListener[l] = p
}

// removeLocked unlinks p and its listeners. p.waiters is left intact for
// the caller to fan out.
func (c *Coordinator) removeLocked(p *pending) {
	c.unlinkLocked(p)
	for _, w := range p.waiters {
		if c.byListener[w.listener] == p {
			delete(c.byListener, w.listener)
		}
	}
}

// unlinkLocked drops p from its stage map if it is still the registered
// request for its key.
func (c *Coordinator) unlinkLocked(p *pending) {
	if p.stage == StageDecode {
		if c.decode[p.key] == p {
			delete(c.decode, p.key)
		}
		return
	}
	m := c.stageMap(p.stage)
	if m[p.uri] == p {
		delete(m, p.uri)
	}
}

func fail(ps []*pending, message string) int {
	n := 0
	for _, p := range ps {
		for _, w := range p.waiters {
			w.listener.OnFailure(message)
			n++
		}
	}
	return n
}
