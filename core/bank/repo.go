// Package bank provides the account repository: the single write and read
// path for event-sourced accounts.
//
// Reads go through a process-local state cache and fall back to a full
// replay of the account's event stream. Writes either commit immediately
// with an optimistic version check, or are queued in a per-account buffer
// that a background scheduler drains into the event log in batches. All
// paths keep the cache and the metrics counters in step with what was
// committed.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/codewandler/banking-es-go/core/account"
	"github.com/codewandler/banking-es-go/core/es"
	"github.com/codewandler/banking-es-go/ports/kv"
)

var ErrAccountNotFound = errors.New("account not found")

const (
	defaultFlushInterval    = 50 * time.Millisecond
	defaultReportInterval   = 60 * time.Second
	defaultCacheCapacity    = 1000
	defaultMaxFlushAttempts = 3
)

type options struct {
	flushInterval    time.Duration
	reportInterval   time.Duration
	cacheCapacity    int
	cacheBacking     kv.Store
	cacheBackingTTL  time.Duration
	observer         Observer
	newID            func() string
	maxFlushAttempts int
}

type Option func(*options)

// WithFlushInterval sets how often the batch flush scheduler wakes up.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

// WithReportInterval sets how often the metrics reporter logs a summary.
func WithReportInterval(d time.Duration) Option {
	return func(o *options) { o.reportInterval = d }
}

// WithCacheCapacity bounds the state cache; 0 means unbounded.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.cacheCapacity = n }
}

// WithCacheBacking mirrors cache writes to a distributed store,
// best-effort. A zero TTL keeps entries until overwritten.
func WithCacheBacking(store kv.Store, ttl time.Duration) Option {
	return func(o *options) { o.cacheBacking = store; o.cacheBackingTTL = ttl }
}

// WithObserver forwards metric increments to an external backend.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithIDGenerator overrides how new account IDs are generated.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

// WithMaxFlushAttempts bounds how often a failed batch is retried before
// its events are dropped.
func WithMaxFlushAttempts(n int) Option {
	return func(o *options) { o.maxFlushAttempts = n }
}

// Repository is the account repository. Construct it with New and share
// one instance per process; all methods are safe for concurrent use.
type Repository struct {
	log      *slog.Logger
	store    es.EventStore
	registry *es.EventRegistry
	cache    *stateCache
	buffer   *pendingBuffer
	metrics  *Metrics
	loads    singleflight.Group
	locks    *keyedLocker
	newID    func() string

	flushInterval    time.Duration
	reportInterval   time.Duration
	maxFlushAttempts int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushStarted  atomic.Bool
	reportStarted atomic.Bool
	closeOnce     sync.Once
}

func New(log *slog.Logger, store es.EventStore, opts ...Option) *Repository {
	o := options{
		flushInterval:    defaultFlushInterval,
		reportInterval:   defaultReportInterval,
		cacheCapacity:    defaultCacheCapacity,
		newID:            func() string { return gonanoid.Must() },
		maxFlushAttempts: defaultMaxFlushAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}

	log = log.With(slog.String("repo", account.AggregateType))

	registry := es.NewRegistry()
	account.Register(registry)

	ctx, cancel := context.WithCancel(context.Background())

	return &Repository{
		log:              log,
		store:            store,
		registry:         registry,
		cache:            newStateCache(log, o.cacheCapacity, o.cacheBacking, o.cacheBackingTTL),
		buffer:           newPendingBuffer(),
		metrics:          NewMetrics(o.observer),
		locks:            newKeyedLocker(),
		newID:            o.newID,
		flushInterval:    o.flushInterval,
		reportInterval:   o.reportInterval,
		maxFlushAttempts: o.maxFlushAttempts,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Metrics exposes the repository's counters.
func (r *Repository) Metrics() *Metrics { return r.metrics }

// Registry exposes the event registry, e.g. for projection consumers that
// need to decode envelopes from a subscription.
func (r *Repository) Registry() *es.EventRegistry { return r.registry }

// GetByID returns the current state of an account, or (nil, nil) when the
// aggregate has no events at all. The cache is consulted first; on a miss,
// concurrent loads for the same ID are coalesced into a single replay.
func (r *Repository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	if id == "" {
		return nil, errors.New("account id is empty")
	}

	if acc, ok := r.cache.get(id); ok {
		r.metrics.CacheHit()
		return acc, nil
	}
	r.metrics.CacheMiss()

	v, err, _ := r.loads.Do(id, func() (any, error) {
		envelopes, err := r.store.Load(ctx, account.AggregateType, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load events for account %s: %w", id, err)
		}
		if len(envelopes) == 0 {
			return (*account.Account)(nil), nil
		}
		acc, err := account.Replay(r.registry, id, envelopes)
		if err != nil {
			return nil, err
		}
		r.cache.put(ctx, acc)
		return acc, nil
	})
	if err != nil {
		return nil, err
	}

	acc := v.(*account.Account)
	if acc == nil {
		return nil, nil
	}
	return acc.Clone(), nil
}

// GetAccount is the read path exposed to command handlers.
func (r *Repository) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	return r.GetByID(ctx, id)
}

// Save commits events on top of acc's version and returns the advanced
// state. On a version conflict the error is surfaced unchanged and nothing
// is retried; the caller reloads and resubmits. The cache reflects the
// write before Save returns, so subsequent reads in this process observe
// it immediately.
func (r *Repository) Save(ctx context.Context, acc *account.Account, events ...es.Event) (*account.Account, error) {
	next, err := acc.Next(events...)
	if err != nil {
		return nil, err
	}

	envelopes, err := es.Wrap(account.AggregateType, acc.ID, acc.Version, events...)
	if err != nil {
		return nil, err
	}

	if _, err := r.store.Append(ctx, account.AggregateType, acc.ID, acc.Version, envelopes); err != nil {
		r.metrics.Error()
		if errors.Is(err, es.ErrVersionConflict) {
			// Entry is stale; the next read replays from the log.
			r.cache.delete(ctx, acc.ID)
			return nil, err
		}
		return nil, fmt.Errorf("failed to append events for account %s: %w", acc.ID, err)
	}

	r.cache.put(ctx, next)
	r.metrics.EventsProcessed(len(events))

	r.log.Debug(
		"saved",
		slog.String("id", acc.ID),
		next.Version.SlogAttr(),
		slog.Int("num_events", len(events)),
	)

	return next, nil
}

// SaveImmediate is an alias of Save; both commit synchronously with a
// version check, as opposed to SaveBatched.
func (r *Repository) SaveImmediate(ctx context.Context, acc *account.Account, events ...es.Event) (*account.Account, error) {
	return r.Save(ctx, acc, events...)
}

// === Command API ===

// CreateAccount opens a new account and commits the opening event.
func (r *Repository) CreateAccount(ctx context.Context, owner string, initialBalance decimal.Decimal) (*account.Account, error) {
	acc := account.New(r.newID())
	ev, err := acc.Open(owner, initialBalance)
	if err != nil {
		return nil, err
	}
	return r.Save(ctx, acc, ev)
}

// DepositMoney loads current state, validates, commits the deposit and
// returns the updated account.
func (r *Repository) DepositMoney(ctx context.Context, id string, amount decimal.Decimal) (*account.Account, error) {
	return r.execute(ctx, id, func(acc *account.Account) (es.Event, error) {
		return acc.Deposit(amount)
	})
}

// WithdrawMoney loads current state, validates (a withdrawal may never
// drive the balance negative), commits and returns the updated account.
func (r *Repository) WithdrawMoney(ctx context.Context, id string, amount decimal.Decimal) (*account.Account, error) {
	return r.execute(ctx, id, func(acc *account.Account) (es.Event, error) {
		return acc.Withdraw(amount)
	})
}

// CloseAccount commits the terminal closed event. Further mutating
// commands against the account fail.
func (r *Repository) CloseAccount(ctx context.Context, id string) (*account.Account, error) {
	return r.execute(ctx, id, func(acc *account.Account) (es.Event, error) {
		return acc.Close()
	})
}

// execute runs one command against the latest state of an account,
// serialized per account ID within this process.
func (r *Repository) execute(ctx context.Context, id string, cmd func(*account.Account) (es.Event, error)) (*account.Account, error) {
	var out *account.Account
	err := r.locks.do(id, func() error {
		acc, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if acc == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		ev, err := cmd(acc)
		if err != nil {
			return err
		}
		out, err = r.Save(ctx, acc, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
