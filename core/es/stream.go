package es

import "context"

type DeliverPolicy string

const (
	DeliverAllPolicy DeliverPolicy = "all"
	DeliverNewPolicy DeliverPolicy = "new"
)

// SubscribeFilter narrows a subscription to one aggregate type and,
// optionally, one aggregate ID.
type SubscribeFilter struct {
	AggregateType string
	AggregateID   string
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }

type SubscribeOption func(*SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{deliverPolicy: DeliverNewPolicy}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(o *SubscribeOpts) { o.deliverPolicy = policy }
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(o *SubscribeOpts) { o.filters = filters }
}

// Subscription delivers committed envelopes until cancelled. Consumers own
// their progress; the store and repository never wait for them.
type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
}

type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

func matchFilters(env Envelope, filters []SubscribeFilter) bool {
	for _, f := range filters {
		if !matchFilter(env, f) {
			return false
		}
	}
	return true
}

func matchFilter(env Envelope, filter SubscribeFilter) bool {
	if filter.AggregateType != "" && env.AggregateType != filter.AggregateType {
		return false
	}
	if filter.AggregateID != "" && env.AggregateID != filter.AggregateID {
		return false
	}
	return true
}
