// Package pgnotify wraps PostgreSQL LISTEN/NOTIFY as the wake-up signal for
// the job worker's poll loop, adapted from the teacher's generic
// pgnotify.Bus. The table-change-capture ("realtime") half of that package
// has no SPEC_FULL home here — the worker only ever needs a single
// well-known channel (kura_jobs) — so it is dropped; see DESIGN.md.
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Notification is a single LISTEN payload delivered on a channel.
type Notification struct {
	Channel string
	Payload string
}

// Handler processes a notification. Handlers run sequentially on the
// listener goroutine; slow handlers should hand work off to the worker's own
// dispatch queue instead of blocking here.
type Handler func(ctx context.Context, n Notification)

// Bus listens on a single Postgres channel and invokes registered handlers
// as notifications arrive, reconnecting with backoff on connection loss.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	log      *logrus.Entry

	mu       sync.RWMutex
	handlers []Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bus bound to channel using db for publishing and dsn for the
// dedicated listener connection pq.Listener maintains internally.
func New(db *sql.DB, dsn, channel string, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).WithField("event", int(ev)).Warn("pgnotify: listener event")
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("pgnotify: listen %s: %w", channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		db:       db,
		listener: listener,
		log:      log.WithField("channel", channel),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.loop()

	return b, nil
}

// Notify publishes payload on channel via pg_notify, waking any listeners
// (including this process's own poll loop on another host).
func (b *Bus) Notify(ctx context.Context, channel, payload string) error {
	_, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// OnNotify registers a handler invoked for every notification received.
func (b *Bus) OnNotify(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Close stops the listener goroutine and releases the dedicated connection.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.listener.Notify:
			if n == nil {
				// Connection dropped; pq.Listener reconnects and re-LISTENs
				// on our behalf. The poll-loop fallback covers the gap.
				b.log.Warn("pgnotify: notification channel closed, awaiting reconnect")
				continue
			}
			b.dispatch(Notification{Channel: n.Channel, Payload: n.Extra})
		case <-time.After(90 * time.Second):
			if err := b.listener.Ping(); err != nil {
				b.log.WithError(err).Warn("pgnotify: ping failed")
			}
		}
	}
}

func (b *Bus) dispatch(n Notification) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	for _, h := range handlers {
		h(ctx, n)
	}
}
