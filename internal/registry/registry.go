// Package registry holds in-flight ride requests and decides which notified
// driver wins each one. State is in-memory only.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonNotEligible  Reason = "not_eligible"
	ReasonAlreadyTaken Reason = "already_taken"
)

// ClaimError explains why TryAccept refused a driver.
type ClaimError struct {
	RequestID string
	Reason    Reason
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim %s: %s", e.RequestID, e.Reason)
}

func (e *ClaimError) Unwrap() error {
	switch e.Reason {
	case ReasonNotFound:
		return models.ErrNotFound
	case ReasonNotEligible:
		return models.ErrValidation
	default:
		return models.ErrRaceLost
	}
}

var ErrDuplicate = errors.New("ride request already registered")

// ExpiryFunc runs once per request that times out while pending.
type ExpiryFunc func(req models.RideRequest)

type entry struct {
	req      models.RideRequest
	notified map[string]struct{}
	told     map[string]struct{} // drivers already sent a taken notice
	timer    *time.Timer
}

type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	ttl       time.Duration
	tombstone time.Duration
	onExpire  ExpiryFunc
	closed    bool
}

type Option func(*Registry)

// WithTombstone keeps terminal entries around for d so late claims get
// already_taken instead of not_found.
func WithTombstone(d time.Duration) Option {
	return func(r *Registry) { r.tombstone = d }
}

func WithExpiry(fn ExpiryFunc) Option {
	return func(r *Registry) { r.onExpire = fn }
}

func New(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]*entry), ttl: ttl}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a PENDING request and arms its expiry timer. ExpiresAt is
// set from the registry TTL.
func (r *Registry) Create(req models.RideRequest) (models.RideRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.RideRequest{}, errors.New("registry closed")
	}
	if _, ok := r.entries[req.ID]; ok {
		return models.RideRequest{}, fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
	}
	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.Status = models.StatusPending
	req.ExpiresAt = now.Add(r.ttl)
	req.Notified = append([]string(nil), req.Notified...)

	e := &entry{req: req, notified: make(map[string]struct{}, len(req.Notified)), told: make(map[string]struct{})}
	for _, id := range req.Notified {
		e.notified[id] = struct{}{}
	}
	id := req.ID
	e.timer = time.AfterFunc(r.ttl, func() { r.expire(id) })
	r.entries[id] = e
	observability.PendingRequests.Inc()
	return req, nil
}

// TryAccept flips the request to ACCEPTED for driverID if it is still pending
// and the driver was notified. Exactly one caller can win.
func (r *Registry) TryAccept(requestID, driverID string) (models.RideRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if !ok {
		return models.RideRequest{}, &ClaimError{RequestID: requestID, Reason: ReasonNotFound}
	}
	if _, ok := e.notified[driverID]; !ok {
		return models.RideRequest{}, &ClaimError{RequestID: requestID, Reason: ReasonNotEligible}
	}
	if e.req.Status != models.StatusPending {
		return models.RideRequest{}, &ClaimError{RequestID: requestID, Reason: ReasonAlreadyTaken}
	}
	e.req.Status = models.StatusAccepted
	e.req.AcceptedBy = driverID
	e.timer.Stop()
	observability.PendingRequests.Dec()
	r.retire(requestID)
	return e.req, nil
}

// NoteTaken records that driverID has been told the request is gone and
// reports whether this is the first time. Unknown requests always report true.
func (r *Registry) NoteTaken(requestID, driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if !ok {
		return true
	}
	if _, seen := e.told[driverID]; seen {
		return false
	}
	e.told[driverID] = struct{}{}
	return true
}

func (r *Registry) expire(requestID string) {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if !ok || e.req.Status != models.StatusPending {
		// accepted or already gone; stale fire
		r.mu.Unlock()
		return
	}
	e.req.Status = models.StatusExpired
	req := e.req
	fn := r.onExpire
	observability.PendingRequests.Dec()
	observability.RequestsExpired.Inc()
	r.retire(requestID)
	r.mu.Unlock()

	if fn != nil {
		fn(req)
	}
}

// retire drops a terminal entry now or after the tombstone period. Caller holds mu.
func (r *Registry) retire(requestID string) {
	if r.tombstone <= 0 {
		delete(r.entries, requestID)
		return
	}
	e := r.entries[requestID]
	e.timer = time.AfterFunc(r.tombstone, func() {
		r.mu.Lock()
		if cur, ok := r.entries[requestID]; ok && cur == e {
			delete(r.entries, requestID)
		}
		r.mu.Unlock()
	})
}

func (r *Registry) Get(requestID string) (models.RideRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if !ok {
		return models.RideRequest{}, false
	}
	req := e.req
	req.Notified = append([]string(nil), e.req.Notified...)
	return req, true
}

// PendingNear counts pending requests whose pickup is within radiusKm.
func (r *Registry) PendingNear(center models.Coord, radiusKm float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.req.Status == models.StatusPending && geo.DistanceKm(center, e.req.Pickup) <= radiusKm {
			n++
		}
	}
	return n
}

func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.req.Status == models.StatusPending {
			n++
		}
	}
	return n
}

// Close stops every timer. Pending requests are dropped without an expiry notice.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.timer.Stop()
		if e.req.Status == models.StatusPending {
			observability.PendingRequests.Dec()
		}
		delete(r.entries, id)
	}
	r.closed = true
}
