// Package cooldown decides, per stream and category, whether an alert may fire.
//
// A Ledger is owned by exactly one stream loop and is not safe for concurrent
// use. Streams never share a Ledger, so the hot path takes no locks.
package cooldown

import (
	"sort"
	"time"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

type key struct {
	stream   string
	category string
}

// Entry is the cooldown state of one (stream, category) pair.
type Entry struct {
	Active      bool
	LastFiredAt time.Time
	cooldown    time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.LastFiredAt) > e.cooldown
}

type Ledger struct {
	entries map[key]*Entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[key]*Entry)}
}

// TryFire reports whether the caller must alert. Firing moves the entry to the
// suppressed state and records now; a suppressed, unexpired entry is left as is.
// Expiry is checked here directly and does not depend on Sweep.
func (l *Ledger) TryFire(streamID string, cat *models.Category, now time.Time) bool {
	k := key{stream: streamID, category: cat.Name}

	e, ok := l.entries[k]
	if !ok {
		e = &Entry{cooldown: cat.Cooldown}
		l.entries[k] = e
	}

	if e.Active && cat.Cooldown > 0 && !e.expired(now) {
		return false
	}

	e.Active = true
	e.LastFiredAt = now
	return true
}

// Sweep returns expired entries of the stream to idle. It only feeds the
// "currently warning" view and may lag TryFire by one processed frame.
func (l *Ledger) Sweep(streamID string, now time.Time) {
	for k, e := range l.entries {
		if k.stream == streamID && e.Active && e.expired(now) {
			e.Active = false
		}
	}
}

// Active lists the suppressed categories of the stream as of the last Sweep.
func (l *Ledger) Active(streamID string) []string {
	var names []string
	for k, e := range l.entries {
		if k.stream == streamID && e.Active {
			names = append(names, k.category)
		}
	}
	sort.Strings(names)
	return names
}

// Entry returns a copy of the entry for tests and status reporting.
func (l *Ledger) Entry(streamID, category string) (Entry, bool) {
	e, ok := l.entries[key{stream: streamID, category: category}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Release drops every entry of the stream. Only stream teardown calls it.
func (l *Ledger) Release(streamID string) {
	for k := range l.entries {
		if k.stream == streamID {
			delete(l.entries, k)
		}
	}
}

// Len is the number of live entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}
