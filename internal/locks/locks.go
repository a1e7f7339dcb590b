// Package locks arbitrates shared external artifacts (files, environments)
// between concurrent actors. It is independent of entity versioning.
//
// Callers that need several resources must acquire them in lexicographic
// order of resource id; the manager does not reorder requests. AcquireAll
// does this for callers that hold all requests up front.
package locks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"groomline/internal/domain"
	"groomline/internal/events"
)

// Request describes one acquisition. Wait 0 fails fast with BlockedError;
// a positive Wait blocks up to that long. TTL 0 uses the default.
type Request struct {
	ResourceID string
	HolderID   string
	Mode       domain.LockMode
	Wait       time.Duration
	TTL        time.Duration
}

// Options configure a Manager.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type resource struct {
	locks map[string]domain.Lock
	// closed and replaced whenever a lock on the resource goes away
	changed chan struct{}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	tokens    map[string]string
	log       *events.Log
	opts      Options
}

// NewManager returns a lock manager that records every acquire, release and
// expiry in log.
func NewManager(log *events.Log, opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		resources: map[string]*resource{},
		tokens:    map[string]string{},
		log:       log,
		opts:      opts,
	}
}

// SetTTLs applies reloaded configuration.
func (m *Manager) SetTTLs(def, maxTTL time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def > 0 {
		m.opts.DefaultTTL = def
	}
	if maxTTL >= m.opts.DefaultTTL {
		m.opts.MaxTTL = maxTTL
	}
}

// Acquire grants req or reports the current holder.
func (m *Manager) Acquire(ctx context.Context, req Request) (domain.Lock, error) {
	if req.ResourceID == "" {
		return domain.Lock{}, domain.ValidationError{Field: "resource_id", Reason: "required"}
	}
	if req.HolderID == "" {
		return domain.Lock{}, domain.ValidationError{Field: "holder_id", Reason: "required"}
	}
	if req.Mode == "" {
		req.Mode = domain.LockExclusive
	}
	if req.Mode != domain.LockExclusive && req.Mode != domain.LockShared {
		return domain.Lock{}, domain.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown lock mode %q", req.Mode)}
	}
	var deadline <-chan time.Time
	if req.Wait > 0 {
		t := time.NewTimer(req.Wait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		m.mu.Lock()
		lock, blocker, wake, err := m.tryAcquire(ctx, req)
		m.mu.Unlock()
		if err != nil {
			return domain.Lock{}, err
		}
		if blocker == nil {
			return lock, nil
		}
		if req.Wait <= 0 {
			return domain.Lock{}, domain.BlockedError{ResourceID: req.ResourceID, CurrentHolder: blocker.HolderID, Mode: blocker.Mode}
		}
		// the blocking lock may lapse before anyone releases it
		expiry := time.NewTimer(max(blocker.ExpiresAt.Sub(m.opts.Now()), time.Millisecond))
		select {
		case <-wake:
		case <-expiry.C:
		case <-deadline:
			expiry.Stop()
			return domain.Lock{}, domain.LockTimeoutError{ResourceID: req.ResourceID, CurrentHolder: blocker.HolderID, Mode: blocker.Mode}
		case <-ctx.Done():
			expiry.Stop()
			return domain.Lock{}, ctx.Err()
		}
		expiry.Stop()
	}
}

// tryAcquire runs under m.mu. A non-nil blocker means the request conflicts.
func (m *Manager) tryAcquire(ctx context.Context, req Request) (domain.Lock, *domain.Lock, <-chan struct{}, error) {
	now := m.opts.Now()
	r := m.resource(req.ResourceID)
	if err := m.purgeExpired(ctx, r, now); err != nil {
		return domain.Lock{}, nil, nil, err
	}
	var (
		own      *domain.Lock
		blockers []domain.Lock
	)
	for _, l := range r.locks {
		if l.HolderID == req.HolderID {
			l := l
			own = &l
			continue
		}
		if req.Mode == domain.LockExclusive || l.Mode == domain.LockExclusive {
			blockers = append(blockers, l)
		}
	}
	if len(blockers) > 0 {
		sort.Slice(blockers, func(i, j int) bool { return blockers[i].AcquiredAt.Before(blockers[j].AcquiredAt) })
		return domain.Lock{}, &blockers[0], r.changed, nil
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	ttl = min(ttl, m.opts.MaxTTL)
	lock := domain.Lock{
		Token:      uuid.NewString(),
		ResourceID: req.ResourceID,
		HolderID:   req.HolderID,
		Mode:       req.Mode,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	action := "granted"
	if own != nil {
		lock.Token = own.Token
		lock.AcquiredAt = own.AcquiredAt
		switch {
		case own.Mode == req.Mode:
			action = "refreshed"
		case own.Mode == domain.LockExclusive:
			// exclusive already covers a shared request
			lock.Mode = domain.LockExclusive
			action = "refreshed"
		default:
			action = "upgraded"
		}
	}
	_, err := m.log.Append(ctx, domain.Event{
		Actor:      req.HolderID,
		Type:       events.LockAcquired,
		EntityKind: "lock",
		EntityID:   req.ResourceID,
		Subjects:   []string{req.HolderID},
		Payload: events.Payload{
			"token":      lock.Token,
			"mode":       string(lock.Mode),
			"action":     action,
			"expires_at": lock.ExpiresAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return domain.Lock{}, nil, nil, err
	}
	r.locks[lock.Token] = lock
	m.tokens[lock.Token] = req.ResourceID
	m.opts.Logger.Debug("lock acquired",
		zap.String("resource", req.ResourceID),
		zap.String("holder", req.HolderID),
		zap.String("mode", string(lock.Mode)),
		zap.String("action", action))
	return lock, nil, nil, nil
}

func (m *Manager) resource(id string) *resource {
	r, ok := m.resources[id]
	if !ok {
		r = &resource{locks: map[string]domain.Lock{}, changed: make(chan struct{})}
		m.resources[id] = r
	}
	return r
}

func (m *Manager) purgeExpired(ctx context.Context, r *resource, now time.Time) error {
	var expired []domain.Lock
	for _, l := range r.locks {
		if l.Expired(now) {
			expired = append(expired, l)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Token < expired[j].Token })
	for _, l := range expired {
		if err := m.drop(ctx, r, l, events.LockExpired, "system"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) forgetIfEmpty(id string, r *resource) {
	if len(r.locks) == 0 {
		delete(m.resources, id)
	}
}

func (m *Manager) drop(ctx context.Context, r *resource, l domain.Lock, typ, actor string) error {
	_, err := m.log.Append(ctx, domain.Event{
		Actor:      actor,
		Type:       typ,
		EntityKind: "lock",
		EntityID:   l.ResourceID,
		Subjects:   []string{l.HolderID},
		Payload:    events.Payload{"token": l.Token, "mode": string(l.Mode)},
	})
	if err != nil {
		return err
	}
	delete(r.locks, l.Token)
	delete(m.tokens, l.Token)
	close(r.changed)
	r.changed = make(chan struct{})
	return nil
}

// Release gives up the lock with token. Releasing an unknown or already
// expired token reports NotFoundError; a caller other than the holder gets
// NotHolderError and the lock stays.
func (m *Manager) Release(ctx context.Context, token, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return domain.NotFoundError{Kind: "lock", ID: token}
	}
	r := m.resources[id]
	l := r.locks[token]
	if l.Expired(m.opts.Now()) {
		if err := m.purgeExpired(ctx, r, m.opts.Now()); err != nil {
			return err
		}
		m.forgetIfEmpty(id, r)
		return domain.NotFoundError{Kind: "lock", ID: token}
	}
	if l.HolderID != holderID {
		return domain.NotHolderError{Token: token, HolderID: l.HolderID, Caller: holderID}
	}
	if err := m.drop(ctx, r, l, events.LockReleased, l.HolderID); err != nil {
		return err
	}
	m.forgetIfEmpty(id, r)
	m.opts.Logger.Debug("lock released", zap.String("resource", id), zap.String("holder", l.HolderID))
	return nil
}

// Lookup returns the live lock with token.
func (m *Manager) Lookup(token string) (domain.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return domain.Lock{}, false
	}
	l := m.resources[id].locks[token]
	if l.Expired(m.opts.Now()) {
		return domain.Lock{}, false
	}
	return l, true
}

// Holders returns the live locks on resourceID, oldest first.
func (m *Manager) Holders(resourceID string) []domain.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return nil
	}
	now := m.opts.Now()
	var out []domain.Lock
	for _, l := range r.locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.Before(out[j].AcquiredAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Sweep purges every expired lock and returns how many went away.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	n := 0
	for _, id := range sortedIDs(m.resources) {
		r := m.resources[id]
		before := len(r.locks)
		if err := m.purgeExpired(ctx, r, now); err != nil {
			return n, err
		}
		n += before - len(r.locks)
		m.forgetIfEmpty(id, r)
	}
	return n, nil
}

// AcquireAll takes every request in lexicographic resource order. On failure
// the locks already taken are released and the error is returned.
func (m *Manager) AcquireAll(ctx context.Context, reqs []Request) ([]domain.Lock, error) {
	sorted := append([]Request(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ResourceID < sorted[j].ResourceID })
	var held []domain.Lock
	for _, req := range sorted {
		l, err := m.Acquire(ctx, req)
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				if rerr := m.Release(ctx, held[i].Token, held[i].HolderID); rerr != nil {
					m.opts.Logger.Warn("release after failed AcquireAll", zap.String("resource", held[i].ResourceID), zap.Error(rerr))
				}
			}
			return nil, err
		}
		held = append(held, l)
	}
	return held, nil
}

func sortedIDs(m map[string]*resource) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
