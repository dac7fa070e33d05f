package store

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"maxidomd/internal/lockdown"
	"maxidomd/internal/logging"
)

type op struct {
	name string
	fn   func(*Store) error
	done chan struct{}
}

// Persister applies writes on a background goroutine so callers on the
// engine loop never wait for disk. Writes are applied in submission order.
// It implements lockdown.Persister.
type Persister struct {
	st  *Store
	log *logging.Logger

	mu     sync.Mutex
	queue  []op
	closed bool
	wake   chan struct{}
	exited chan struct{}

	failures atomic.Uint64
}

var _ lockdown.Persister = (*Persister)(nil)

// NewPersister starts the writer goroutine.
func NewPersister(st *Store, log *logging.Logger) *Persister {
	if log == nil {
		log = logging.Discard()
	}
	p := &Persister{
		st:     st,
		log:    log.WithComponent("store"),
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go p.run()
	return p
}

// SaveMode implements lockdown.Persister.
func (p *Persister) SaveMode(m lockdown.Mode) {
	p.submit("save_mode", func(s *Store) error {
		return s.Set(KeyOperatingMode, m.String())
	})
}

// SaveProgress implements lockdown.Persister.
func (p *Persister) SaveProgress(progress json.RawMessage) {
	cp := append(json.RawMessage(nil), progress...)
	p.submit("save_progress", func(s *Store) error {
		return s.SetProgress(cp)
	})
}

// RecordSession appends r to the session log.
func (p *Persister) RecordSession(r SessionRecord) {
	p.submit("record_session", func(s *Store) error {
		return s.InsertSession(&r)
	})
}

// RecordOutcome updates the route and outcome of a logged session.
func (p *Persister) RecordOutcome(id, route, outcome string) {
	p.submit("record_outcome", func(s *Store) error {
		return s.UpdateSessionOutcome(id, route, outcome)
	})
}

// Flush blocks until every write submitted before it has been applied.
func (p *Persister) Flush() {
	done := make(chan struct{})
	if !p.enqueue(op{name: "flush", done: done}) {
		return
	}
	<-done
}

// Failures returns how many writes have failed.
func (p *Persister) Failures() uint64 {
	return p.failures.Load()
}

// Close applies pending writes and stops the writer. Later submissions are
// dropped.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.exited
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.exited
}

func (p *Persister) submit(name string, fn func(*Store) error) {
	if !p.enqueue(op{name: name, fn: fn}) {
		p.log.Warn("write after close dropped", "op", name)
	}
}

func (p *Persister) enqueue(o op) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, o)
	p.mu.Unlock()
	p.signal()
	return true
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) run() {
	defer close(p.exited)
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, o := range batch {
			p.apply(o)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-p.wake
		}
	}
}

func (p *Persister) apply(o op) {
	if o.done != nil {
		close(o.done)
		return
	}
	if err := o.fn(p.st); err != nil {
		p.failures.Add(1)
		p.log.Error("state write failed", "op", o.name, "error", err)
	}
}
