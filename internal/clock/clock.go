// Package clock выдаёт текущее время в часовом поясе сервиса и идентификаторы новых сущностей.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock выдаёт время и идентификаторы для ядра.
type Clock interface {
	Now() time.Time
	NewID() uuid.UUID
	Location() *time.Location
}

// System представляет реальные часы в фиксированном часовом поясе.
type System struct {
	loc *time.Location
}

// NewSystem создаёт системные часы для указанного часового пояса.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time { return time.Now().In(s.loc) }
func (s *System) NewID() uuid.UUID { return uuid.New() }
func (s *System) Location() *time.Location { return s.loc }

// Manual представляет управляемые часы для тестов.
// Идентификаторы детерминированы: UUIDv5 от порядкового номера.
type Manual struct {
	mu  sync.Mutex
	now time.Time
	seq uint64
}

// NewManual создаёт часы, остановленные на момент now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewID() uuid.UUID {
	m.mu.Lock()
	m.seq++
	n := m.seq
	m.mu.Unlock()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{
		byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
		byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
	})
}

func (m *Manual) Location() *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.Location()
}

// Advance сдвигает часы вперёд.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set переставляет часы на момент t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Day отбрасывает время суток, оставляя полночь в поясе t.
func Day(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
