package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/banking-es-go/core/es"
)

const defaultSubjectPrefix = "bank.es"

type EventStoreConfig struct {
	Connect        Connector    // nil means ConnectDefault()
	Log            *slog.Logger // optional
	SubjectPrefix  string       // prefix for per-aggregate subjects
	StreamName     string
	StreamSubjects []string // subjects the stream is fed with
	MaxAge         time.Duration
}

// EventStore implements es.EventStore on a JetStream stream with one
// subject per aggregate. The optimistic version check reads the last
// message for the aggregate's subject before publishing; the check and the
// publishes are not one atomic step, so this store relies on writers going
// through a single repository per stream (or accepting best-effort
// arbitration), the same trade the rest of the system makes.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "BANK_ES"
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	streamSubjects := cfg.StreamSubjects
	if len(streamSubjects) == 0 {
		streamSubjects = []string{subjectPrefix + ".>"}
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: streamSubjects,
		Storage:  jetstream.FileStorage,
		MaxAge:   cfg.MaxAge,
		FirstSeq: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	return &EventStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	return nil
}

func (e *EventStore) subject(aggType, aggID string) string {
	return e.subjectPrefix + "." + aggType + "." + aggID
}

// Load returns the aggregate's events in commit order. An aggregate with
// no events yields an empty slice.
func (e *EventStore) Load(
	ctx context.Context,
	aggType, aggID string,
	opts ...es.LoadOption,
) ([]es.Envelope, error) {
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	options := es.NewLoadOpts(opts...)
	afterVersion := options.AfterVersion()

	last, err := e.lastEnvelope(ctx, aggType, aggID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return []es.Envelope{}, nil
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{e.subject(aggType, aggID)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s/%s: %w", aggType, aggID, err)
	}

	out := make([]es.Envelope, 0)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range batch.Messages() {
			empty = false
			env, err := decodeMsg(msg)
			if err != nil {
				return nil, err
			}
			if env.Version > afterVersion {
				out = append(out, *env)
			}
			if env.Seq >= last.Seq {
				return out, nil
			}
		}
		if err := batch.Error(); err != nil {
			return nil, err
		}
		if empty {
			return out, nil
		}
	}
}

// Append publishes the batch after an optimistic check of the stream's
// last version. Conflicts surface as *es.VersionConflictError.
func (e *EventStore) Append(
	ctx context.Context,
	aggType, aggID string,
	expected es.Version,
	events []es.Envelope,
) (*es.AppendResult, error) {
	if len(events) == 0 {
		return nil, es.ErrNoEvents
	}
	if aggType == "" {
		return nil, errors.New("aggregate type is empty")
	}
	if aggID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	var current es.Version
	last, err := e.lastEnvelope(ctx, aggType, aggID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current version for %s/%s: %w", aggType, aggID, err)
	}
	if last != nil {
		current = last.Version
	}
	if current != expected {
		return nil, &es.VersionConflictError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expected,
			Actual:        current,
		}
	}

	var lastSeq uint64
	for _, env := range events {
		if err := env.Validate(); err != nil {
			return nil, err
		}
		lastSeq, err = e.publish(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("failed to append to %s/%s: %w", aggType, aggID, err)
		}
	}

	e.log.Debug(
		"append",
		slog.String("agg_type", aggType),
		slog.String("agg_id", aggID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(events)),
	)

	return &es.AppendResult{LastSeq: lastSeq}, nil
}

func (e *EventStore) publish(ctx context.Context, env es.Envelope) (uint64, error) {
	msg := natsgo.NewMsg(e.subject(env.AggregateType, env.AggregateID))
	msg.Header.Set("x-event-type", env.Type)

	var err error
	msg.Data, err = json.Marshal(env)
	if err != nil {
		return 0, err
	}

	ackF, err := e.js.PublishMsgAsync(msg, jetstream.WithMsgID(env.ID))
	if err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case ack := <-ackF.Ok():
		return ack.Sequence, nil
	case err := <-ackF.Err():
		return 0, err
	}
}

func (e *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	var filterSubjects []string
	for _, f := range options.Filters() {
		switch {
		case f.AggregateType != "" && f.AggregateID != "":
			filterSubjects = append(filterSubjects, e.subject(f.AggregateType, f.AggregateID))
		case f.AggregateType != "":
			filterSubjects = append(filterSubjects, e.subject(f.AggregateType, "*"))
		default:
			return nil, fmt.Errorf("invalid filter: %+v", f)
		}
	}
	if len(filterSubjects) == 0 {
		filterSubjects = []string{e.subject("*", "*")}
	}

	deliver := jetstream.DeliverNewPolicy
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		deliver = jetstream.DeliverAllPolicy
	}

	consumer, err := e.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		DeliverPolicy:     deliver,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer filter_subjects=%+v: %w", filterSubjects, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan es.Envelope, 64)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := msg.Ack(); err != nil {
			e.log.Error("failed to ack message", slog.Any("error", err))
			return
		}
		env, err := decodeMsg(msg)
		if err != nil {
			e.log.Error("failed to decode message", slog.Any("error", err))
			return
		}
		select {
		case ch <- *env:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cc.Drain()
			cancel()
		})
	}
	context.AfterFunc(ctx, stop)

	return &jsSubscription{ch: ch, cancel: stop}, nil
}

// lastEnvelope returns the most recent event of the aggregate, or nil when
// the aggregate has none.
func (e *EventStore) lastEnvelope(ctx context.Context, aggType, aggID string) (*es.Envelope, error) {
	raw, err := e.stream.GetLastMsgForSubject(ctx, e.subject(aggType, aggID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(raw.Data, env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last message for %s/%s: %w", aggType, aggID, err)
	}
	env.Seq = raw.Sequence
	return env, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

type jsSubscription struct {
	ch     chan es.Envelope
	cancel func()
}

func (s *jsSubscription) Chan() <-chan es.Envelope { return s.ch }
func (s *jsSubscription) Cancel()                  { s.cancel() }

var (
	_ es.EventStore   = (*EventStore)(nil)
	_ es.Subscription = (*jsSubscription)(nil)
)
