package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/cogbus/messaging"
)

// DefaultAckTimeout is how long a delivery may stay unacknowledged before
// it is handed out again
const DefaultAckTimeout = 2 * time.Minute

const defaultPrefetch = 256

var (
	ErrConsumerActive  = errors.New("memory: consumer group already has an active consumer")
	ErrUnknownConsumer = errors.New("memory: unknown consumer group")
	ErrMessageNotFound = errors.New("memory: message not found")
	ErrTopicRequired   = errors.New("memory: topic is required")
)

type record struct {
	cursor messaging.Cursor
	msg    messaging.Message
}

// Broker is an in-process messaging.Broker backed by a single append-only
// log. Every consumer group reads the log independently and commits the
// lowest position it has not settled yet.
type Broker struct {
	mu     sync.Mutex
	log    []record
	base   messaging.Cursor
	groups map[string]*group
	closed bool

	ackTimeout time.Duration
	retention  int
	cursors    messaging.CursorStore
	logger     *slog.Logger
}

// Option configures the Broker
type Option func(*Broker)

// WithAckTimeout sets the redelivery deadline of unacknowledged deliveries
func WithAckTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ackTimeout = d
		}
	}
}

// WithRetention keeps at most n messages in the log. Groups that fall
// behind the oldest kept message skip ahead.
func WithRetention(n int) Option {
	return func(b *Broker) {
		b.retention = n
	}
}

// WithCursorStore persists committed positions so a restarted broker
// resumes known groups where they stopped
func WithCursorStore(store messaging.CursorStore) Option {
	return func(b *Broker) {
		b.cursors = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		base:       messaging.FirstCursor,
		groups:     make(map[string]*group),
		ackTimeout: DefaultAckTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) end() messaging.Cursor {
	return b.base + messaging.Cursor(len(b.log))
}

func (b *Broker) at(c messaging.Cursor) (record, bool) {
	if c < b.base || c >= b.end() {
		return record{}, false
	}
	return b.log[c-b.base], true
}

// Publish appends msg to the log
func (b *Broker) Publish(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return messaging.ErrBrokerClosed
	}

	b.log = append(b.log, record{cursor: b.end(), msg: cloneMessage(msg)})
	b.enforceRetentionLocked()
	for _, g := range b.groups {
		g.signal()
	}
	return nil
}

func (b *Broker) enforceRetentionLocked() {
	if b.retention <= 0 || len(b.log) <= b.retention {
		return
	}
	drop := len(b.log) - b.retention
	b.log = append([]record(nil), b.log[drop:]...)
	b.base += messaging.Cursor(drop)

	for _, g := range b.groups {
		if g.next < b.base {
			b.logger.Warn("consumer group fell behind retention",
				"consumerId", g.id,
				"skipped", b.base-g.next,
			)
			g.next = b.base
		}
	}
}

// Consume starts delivering the messages matching req.TopicPattern to a
// consumer group. A group has at most one active consumer; a new consumer
// of a known group gets its unsettled deliveries again.
func (b *Broker) Consume(ctx context.Context, req messaging.ConsumeRequest, deliver func(messaging.Delivery)) (messaging.Consumption, error) {
	if req.ConsumerID == "" {
		return nil, messaging.ErrConsumerIDRequired
	}
	if err := messaging.ValidatePattern(req.TopicPattern); err != nil {
		return nil, err
	}
	if deliver == nil {
		return nil, fmt.Errorf("memory: deliver callback is required")
	}

	start := req.StartCursor
	if start == 0 && b.cursors != nil {
		saved, err := b.cursors.Load(ctx, req.ConsumerID)
		if err != nil {
			return nil, fmt.Errorf("load cursor of %s: %w", req.ConsumerID, err)
		}
		start = saved
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, messaging.ErrBrokerClosed
	}

	g, ok := b.groups[req.ConsumerID]
	switch {
	case !ok:
		g = &group{
			id:       req.ConsumerID,
			next:     b.end(),
			inflight: make(map[messaging.Cursor]*delivery),
			wake:     make(chan struct{}, 1),
		}
		if start > 0 {
			g.next = min(max(start, b.base), b.end())
		}
		g.saved = g.next
		b.groups[req.ConsumerID] = g
	case g.consumption != nil:
		return nil, fmt.Errorf("%w: %s", ErrConsumerActive, req.ConsumerID)
	default:
		for c := range g.inflight {
			delete(g.inflight, c)
			g.insertRedeliver(c)
		}
	}

	g.pattern = req.TopicPattern
	g.prefetch = req.Prefetch
	if g.prefetch <= 0 {
		g.prefetch = defaultPrefetch
	}

	c := &consumption{
		broker:  b,
		group:   g,
		deliver: deliver,
		done:    make(chan struct{}),
	}
	g.consumption = c
	go c.loop()
	g.signal()

	b.logger.Debug("consumer attached",
		"consumerId", g.id,
		"pattern", g.pattern,
		"next", g.next,
		"redeliver", len(g.redeliver),
	)
	return c, nil
}

// take hands out deliveries until the prefetch window is full
func (b *Broker) take(c *consumption) []*delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := c.group
	if g.consumption != c {
		return nil
	}

	var out []*delivery
	deadline := time.Now().Add(b.ackTimeout)
	for len(g.inflight) < g.prefetch {
		cur, redelivered, ok := b.nextLocked(g)
		if !ok {
			break
		}
		rec, ok := b.at(cur)
		if !ok {
			continue
		}
		d := &delivery{
			broker:      b,
			group:       g,
			rec:         rec,
			redelivered: redelivered,
			deadline:    deadline,
		}
		g.inflight[cur] = d
		out = append(out, d)
	}
	return out
}

func (b *Broker) nextLocked(g *group) (messaging.Cursor, bool, bool) {
	for len(g.redeliver) > 0 {
		cur := g.redeliver[0]
		g.redeliver = g.redeliver[1:]
		if _, ok := g.inflight[cur]; ok {
			continue
		}
		return cur, true, true
	}
	for g.next < b.end() {
		cur := g.next
		g.next++
		rec, _ := b.at(cur)
		if messaging.MatchTopic(g.pattern, rec.msg.Topic) {
			return cur, false, true
		}
	}
	return 0, false, false
}

// expire moves deliveries past their deadline back to the redelivery queue
func (b *Broker) expire(g *group) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	expired := 0
	for cur, d := range g.inflight {
		if now.After(d.deadline) {
			delete(g.inflight, cur)
			g.insertRedeliver(cur)
			expired++
		}
	}
	if expired > 0 {
		b.logger.Debug("ack deadline passed, redelivering", "consumerId", g.id, "count", expired)
		g.signal()
	}
}

// settle acknowledges or rejects a delivery. Acking any handle of a message
// settles it; a nack of a superseded handle is ignored.
func (b *Broker) settle(ctx context.Context, d *delivery, nack, requeue bool) error {
	b.mu.Lock()

	g := d.group
	cur := d.rec.cursor
	current, inflight := g.inflight[cur]

	if nack {
		if !inflight || current != d {
			b.mu.Unlock()
			return nil
		}
		delete(g.inflight, cur)
		if requeue {
			g.insertRedeliver(cur)
		}
	} else {
		if inflight {
			delete(g.inflight, cur)
		}
		g.removeRedeliver(cur)
	}
	g.signal()

	committed := g.committed()
	store := b.cursors
	save := store != nil && committed > g.saved
	if save {
		g.saved = committed
	}
	id := g.id
	b.mu.Unlock()

	if save {
		if err := store.Save(ctx, id, committed); err != nil {
			return fmt.Errorf("save cursor of %s: %w", id, err)
		}
	}
	return nil
}

// RedeliverMessage hands a message to a consumer group again, whether or not
// the group already settled it
func (b *Broker) RedeliverMessage(consumerID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerID)
	}
	for i := len(b.log) - 1; i >= 0; i-- {
		if b.log[i].msg.ID == messageID {
			cur := b.log[i].cursor
			delete(g.inflight, cur)
			g.insertRedeliver(cur)
			g.signal()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// Committed returns the lowest position a consumer group has not settled
func (b *Broker) Committed(consumerID string) (messaging.Cursor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerID)
	}
	return g.committed(), nil
}

// Lag counts the messages a consumer group has received but not settled
// plus those it has not received yet
func (b *Broker) Lag(consumerID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[consumerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerID)
	}
	lag := len(g.inflight) + len(g.redeliver)
	for c := g.next; c < b.end(); c++ {
		rec, _ := b.at(c)
		if messaging.MatchTopic(g.pattern, rec.msg.Topic) {
			lag++
		}
	}
	return lag, nil
}

// Len returns the number of messages kept in the log
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Ping implements messaging.Pinger
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrBrokerClosed
	}
	return ctx.Err()
}

// Close stops every consumer. Publishing after Close fails.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, g := range b.groups {
		if g.consumption != nil {
			g.consumption.stop()
			g.consumption = nil
		}
	}
	return nil
}

func (b *Broker) sweepInterval() time.Duration {
	interval := b.ackTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

type group struct {
	id          string
	pattern     string
	prefetch    int
	next        messaging.Cursor
	saved       messaging.Cursor
	inflight    map[messaging.Cursor]*delivery
	redeliver   []messaging.Cursor
	consumption *consumption
	wake        chan struct{}
}

func (g *group) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// committed is the lowest unsettled position of the group
func (g *group) committed() messaging.Cursor {
	c := g.next
	if len(g.redeliver) > 0 && g.redeliver[0] < c {
		c = g.redeliver[0]
	}
	for pos := range g.inflight {
		if pos < c {
			c = pos
		}
	}
	return c
}

func (g *group) insertRedeliver(c messaging.Cursor) {
	i := sort.Search(len(g.redeliver), func(i int) bool { return g.redeliver[i] >= c })
	if i < len(g.redeliver) && g.redeliver[i] == c {
		return
	}
	g.redeliver = append(g.redeliver, 0)
	copy(g.redeliver[i+1:], g.redeliver[i:])
	g.redeliver[i] = c
}

func (g *group) removeRedeliver(c messaging.Cursor) {
	i := sort.Search(len(g.redeliver), func(i int) bool { return g.redeliver[i] >= c })
	if i < len(g.redeliver) && g.redeliver[i] == c {
		g.redeliver = append(g.redeliver[:i], g.redeliver[i+1:]...)
	}
}

type consumption struct {
	broker  *Broker
	group   *group
	deliver func(messaging.Delivery)
	done    chan struct{}
	once    sync.Once
}

func (c *consumption) loop() {
	ticker := time.NewTicker(c.broker.sweepInterval())
	defer ticker.Stop()

	for {
		for _, d := range c.broker.take(c) {
			c.deliver(d)
		}

		select {
		case <-c.done:
			return
		case <-c.group.wake:
		case <-ticker.C:
			c.broker.expire(c.group)
		}
	}
}

func (c *consumption) stop() {
	c.once.Do(func() { close(c.done) })
}

// Cancel implements messaging.Consumption. Deliveries already handed out
// can still be settled.
func (c *consumption) Cancel() error {
	c.broker.mu.Lock()
	if c.group.consumption == c {
		c.group.consumption = nil
	}
	c.broker.mu.Unlock()

	c.stop()
	return nil
}

type delivery struct {
	broker      *Broker
	group       *group
	rec         record
	redelivered bool
	deadline    time.Time
}

func (d *delivery) Message() messaging.Message { return cloneMessage(d.rec.msg) }
func (d *delivery) Cursor() messaging.Cursor   { return d.rec.cursor }
func (d *delivery) Redelivered() bool          { return d.redelivered }

func (d *delivery) Ack(ctx context.Context) error {
	return d.broker.settle(ctx, d, false, false)
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	return d.broker.settle(ctx, d, true, requeue)
}

func cloneMessage(m messaging.Message) messaging.Message {
	out := m
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	return out
}
