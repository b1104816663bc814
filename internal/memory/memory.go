// Package memory keeps a bounded history of past cycle outcomes for the autonomous decision path.
package memory

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Experience summarises one finished cycle.
type Experience struct {
	RunID     string `json:"run_id,omitempty"`
	Cycle     int    `json:"cycle"`
	Event     string `json:"event"`
	Directive string `json:"directive"`
	Outcome   string `json:"outcome"`
	Resolved  bool   `json:"resolved"`
}

func (e Experience) String() string {
	status := "unresolved"
	if e.Resolved {
		status = "resolved"
	}
	return fmt.Sprintf("event: %s | directive: %s | outcome: %s (%s)", e.Event, e.Directive, e.Outcome, status)
}

// Retriever picks up to n experiences relevant to query from the oldest-first history.
type Retriever interface {
	Retrieve(history []Experience, query string, n int) []Experience
}

// Bank is a fixed-capacity ring buffer of experiences. It is safe for concurrent use.
type Bank struct {
	mu        sync.Mutex
	items     []Experience
	next      int
	full      bool
	retriever Retriever
}

func NewBank(capacity int, r Retriever) *Bank {
	if capacity <= 0 {
		capacity = 64
	}
	if r == nil {
		r = NewRandom(nil)
	}
	return &Bank{items: make([]Experience, capacity), retriever: r}
}

func (b *Bank) Add(e Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.next] = e
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
}

// All returns the stored experiences oldest first.
func (b *Bank) All() []Experience {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]Experience{}, b.items[:b.next]...)
	}
	out := append([]Experience{}, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

func (b *Bank) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Sample returns up to n experiences chosen by the bank's retriever.
func (b *Bank) Sample(query string, n int) []Experience {
	if n <= 0 {
		return nil
	}
	history := b.All()
	if len(history) == 0 {
		return nil
	}
	return b.retriever.Retrieve(history, query, n)
}

// Random samples uniformly without replacement.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(rng *rand.Rand) *Random {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Random{rng: rng}
}

func (r *Random) Retrieve(history []Experience, _ string, n int) []Experience {
	if n >= len(history) {
		return append([]Experience{}, history...)
	}
	r.mu.Lock()
	perm := r.rng.Perm(len(history))
	r.mu.Unlock()
	out := make([]Experience, 0, n)
	for _, i := range perm[:n] {
		out = append(out, history[i])
	}
	return out
}

// Recent returns the newest experiences, newest first.
type Recent struct{}

func (Recent) Retrieve(history []Experience, _ string, n int) []Experience {
	out := make([]Experience, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i])
	}
	return out
}

// Similar ranks by token overlap between the query and each experience's event.
// Ties keep the newer experience first.
type Similar struct{}

func (Similar) Retrieve(history []Experience, query string, n int) []Experience {
	q := tokens(query)
	type scored struct {
		exp   Experience
		score int
		idx   int
	}
	all := make([]scored, len(history))
	for i, e := range history {
		s := 0
		for tok := range tokens(e.Event + " " + e.Directive) {
			if _, ok := q[tok]; ok {
				s++
			}
		}
		all[i] = scored{exp: e, score: s, idx: i}
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].score != all[b].score {
			return all[a].score > all[b].score
		}
		return all[a].idx > all[b].idx
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]Experience, 0, n)
	for _, s := range all[:n] {
		out = append(out, s.exp)
	}
	return out
}

func tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(f)) < 3 && !containsHan(f) {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

func containsHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// ForStrategy returns the retriever for a configured strategy name.
func ForStrategy(name string) (Retriever, error) {
	switch name {
	case "", "random":
		return NewRandom(nil), nil
	case "recent":
		return Recent{}, nil
	case "similar":
		return Similar{}, nil
	}
	return nil, fmt.Errorf("unknown memory strategy %q", name)
}
