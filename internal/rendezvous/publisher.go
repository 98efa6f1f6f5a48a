package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeta-mv/link-relay/internal/metrics"
	"github.com/zeta-mv/link-relay/internal/ratelimit"
)

// IDStore persists the mailbox document id across rotations and restarts.
type IDStore interface {
	Load() (string, error)
	Store(id string) error
}

// ScheduleFunc runs fn once after d. The default implementation wraps
// time.AfterFunc; tests inject a manual scheduler. The publisher holds at
// most one outstanding scheduled flush at a time.
type ScheduleFunc func(d time.Duration, fn func())

// Publisher batches pending answers and writes them to the mailbox document
// at a bounded rate.
//
// Flushes are debounced, not dropped: an enqueue arriving before the minimum
// interval has elapsed defers the write until the interval expires, and every
// pending answer appears in some subsequent flush body. All writes to the
// document funnel through here; no other component touches it.
type Publisher struct {
	mailbox      Mailbox
	ids          IDStore
	clock        ratelimit.Clock
	schedule     ScheduleFunc
	minInterval  time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          *slog.Logger

	mu        sync.Mutex
	docID     string
	pending   map[int]string // slot -> serialized answer
	lines     [SlotCount]string
	scheduled bool
	lastFlush time.Time
}

func NewPublisher(mailbox Mailbox, ids IDStore, clock ratelimit.Clock, schedule ScheduleFunc, minInterval, writeTimeout time.Duration, m *metrics.Metrics, log *slog.Logger) (*Publisher, error) {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if schedule == nil {
		schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}

	docID := ""
	if ids != nil {
		loaded, err := ids.Load()
		if err != nil {
			return nil, err
		}
		docID = loaded
	}

	return &Publisher{
		mailbox:      mailbox,
		ids:          ids,
		clock:        clock,
		schedule:     schedule,
		minInterval:  minInterval,
		writeTimeout: writeTimeout,
		metrics:      m,
		log:          log,
		docID:        docID,
		pending:      make(map[int]string),
		// Far enough in the past that the first flush is immediate.
		lastFlush: clock.Now().Add(-minInterval),
	}, nil
}

// DocumentID returns the current mailbox document id.
func (p *Publisher) DocumentID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.docID
}

// Enqueue records a session's answer for publication at its line slot and
// schedules a flush if none is outstanding. A newer answer for the same slot
// overwrites the pending one.
func (p *Publisher) Enqueue(slot int, answerJSON string) {
	if slot < 0 || slot >= SlotCount {
		p.log.Warn("dropping answer with out-of-range slot", "slot", slot)
		return
	}

	p.mu.Lock()
	p.pending[slot] = answerJSON
	if p.scheduled {
		p.mu.Unlock()
		return
	}
	p.scheduled = true
	delay := p.minInterval - p.clock.Now().Sub(p.lastFlush)
	if delay < 0 {
		delay = 0
	}
	p.mu.Unlock()

	p.schedule(delay, p.flush)
}

// flush writes every pending answer into the document body. Pending state is
// captured atomically at flush start; concurrent enqueues schedule the next
// cycle. On failure the captured answers stay pending and are retried on the
// next natural flush trigger.
func (p *Publisher) flush() {
	p.mu.Lock()
	p.scheduled = false
	p.lastFlush = p.clock.Now()

	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}

	captured := make(map[int]string, len(p.pending))
	for slot, answer := range p.pending {
		captured[slot] = answer
		p.lines[slot] = "answer=" + answer
	}
	body := p.bodyLocked()
	docID := p.docID
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	newID, err := p.write(ctx, docID, body)
	if err != nil {
		p.metrics.Inc(metrics.MailboxWriteFailed)
		p.log.Warn("mailbox write failed; will retry on next flush", "err", err)
		return
	}

	p.mu.Lock()
	if newID != docID {
		p.docID = newID
	}
	for slot, answer := range captured {
		// Keep a slot pending if a fresher answer raced in mid-flight.
		if p.pending[slot] == answer {
			delete(p.pending, slot)
		}
	}
	p.mu.Unlock()

	p.metrics.Inc(metrics.AnswerPublished)

	if newID != docID {
		if p.ids != nil {
			if err := p.ids.Store(newID); err != nil {
				p.log.Error("failed to persist rotated mailbox id", "id", newID, "err", err)
			}
		}
	}
}

// write updates the document, recreating it when the third party has
// garbage-collected it.
func (p *Publisher) write(ctx context.Context, docID, body string) (string, error) {
	if docID != "" {
		err := p.mailbox.Update(ctx, docID, body)
		if err == nil {
			return docID, nil
		}
		if !errors.Is(err, ErrMailboxNotFound) {
			return "", err
		}
		p.log.Warn("mailbox document vanished; creating a replacement", "old_id", docID)
	}

	newID, err := p.mailbox.Create(ctx, body)
	if err != nil {
		return "", err
	}
	p.metrics.Inc(metrics.MailboxRotated)
	p.log.Info("created mailbox document", "id", newID)
	return newID, nil
}

// bodyLocked renders the sparse line-indexed body, trimmed to the highest
// occupied slot. Untouched slots keep their previous content so a full-body
// update never clobbers answers published in earlier flushes.
func (p *Publisher) bodyLocked() string {
	last := -1
	for i := SlotCount - 1; i >= 0; i-- {
		if p.lines[i] != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return ""
	}
	return strings.Join(p.lines[:last+1], "\n")
}
