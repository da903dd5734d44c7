package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrAlreadyActive = errors.New("fighter already in an active rumble")

type Entry struct {
	FighterID   string    `json:"fighter_id"`
	JoinedAt    time.Time `json:"joined_at"`
	AutoRequeue bool      `json:"auto_requeue"`
}

type Options struct {
	// SeatsPerCycle is how many fighters one full slot cycle seats across all slots.
	SeatsPerCycle int
	// InitialCycle seeds the slot-cycle estimate before any cycle was observed.
	InitialCycle time.Duration
	// Active reports whether a fighter currently sits in a non-idle slot.
	Active func(fighterID string) bool
	Now    func() time.Time
}

// Manager is the FIFO admission queue. It does no I/O; the caller persists
// entries and may replace the whole set with Load.
type Manager struct {
	mu sync.Mutex

	entries map[string]*Entry
	order   []string

	seats  int
	cycle  time.Duration
	active func(string) bool
	now    func() time.Time
}

func New(opts Options) *Manager {
	m := &Manager{
		entries: map[string]*Entry{},
		seats:   opts.SeatsPerCycle,
		cycle:   opts.InitialCycle,
		active:  opts.Active,
		now:     opts.Now,
	}
	if m.seats <= 0 {
		m.seats = 1
	}
	if m.active == nil {
		m.active = func(string) bool { return false }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Add queues fighterID, or only updates AutoRequeue when it is already queued.
// A fighter in an active rumble may only queue with autoRequeue set; such an
// entry waits until the rumble releases the fighter.
func (m *Manager) Add(fighterID string, autoRequeue bool) (Entry, error) {
	if fighterID == "" {
		return Entry{}, fmt.Errorf("empty fighter id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[fighterID]; ok {
		e.AutoRequeue = autoRequeue
		return *e, nil
	}
	if m.active(fighterID) && !autoRequeue {
		return Entry{}, ErrAlreadyActive
	}
	e := &Entry{FighterID: fighterID, JoinedAt: m.now().UTC(), AutoRequeue: autoRequeue}
	m.entries[fighterID] = e
	m.order = append(m.order, fighterID)
	return *e, nil
}

func (m *Manager) Remove(fighterID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(fighterID)
}

func (m *Manager) removeLocked(fighterID string) bool {
	if _, ok := m.entries[fighterID]; !ok {
		return false
	}
	delete(m.entries, fighterID)
	for i, id := range m.order {
		if id == fighterID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Consume drops entries that were seated into a slot.
func (m *Manager) Consume(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.removeLocked(id)
	}
}

// Position is the fighter's 1-based place in line.
func (m *Manager) Position(fighterID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(fighterID)
}

func (m *Manager) positionLocked(fighterID string) (int, bool) {
	for i, id := range m.order {
		if id == fighterID {
			return i + 1, true
		}
	}
	return 0, false
}

// EstimatedWait extrapolates from the observed slot-cycle duration. It is a
// hint, not a promise.
func (m *Manager) EstimatedWait(fighterID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positionLocked(fighterID)
	if !ok {
		return 0, false
	}
	ahead := pos - 1
	return time.Duration(float64(m.cycle) * float64(ahead) / float64(m.seats)), true
}

// ObserveCycle folds one finished slot cycle into the running average.
func (m *Manager) ObserveCycle(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycle <= 0 {
		m.cycle = d
		return
	}
	const alpha = 0.2
	m.cycle = time.Duration(alpha*float64(d) + (1-alpha)*float64(m.cycle))
}

func (m *Manager) AverageCycle() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle
}

// Candidates returns up to max entries from the head of the line, skipping
// fighters still busy in another rumble.
func (m *Manager) Candidates(max int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, max)
	for _, id := range m.order {
		if len(out) >= max {
			break
		}
		if m.active(id) {
			continue
		}
		out = append(out, *m.entries[id])
	}
	return out
}

// Eligible counts queued fighters that could be seated now.
func (m *Manager) Eligible() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		if !m.active(id) {
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Entries returns the queue in FIFO order.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

// Load replaces the queue with persisted entries, ordered by join time.
func (m *Manager) Load(entries []Entry) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].FighterID < sorted[j].FighterID
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry, len(sorted))
	m.order = m.order[:0]
	for i := range sorted {
		e := sorted[i]
		if _, dup := m.entries[e.FighterID]; dup {
			continue
		}
		m.entries[e.FighterID] = &e
		m.order = append(m.order, e.FighterID)
	}
}
