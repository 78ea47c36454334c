package hypo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvariant reports a broken association invariant.
var ErrInvariant = errors.New("association invariant violated")

type Kind int

const (
	KindPick Kind = iota
	KindCorrelation
)

func (k Kind) String() string {
	if k == KindCorrelation {
		return "correlation"
	}
	return "pick"
}

// Ref names one observation.
type Ref struct {
	Kind Kind
	ID   string
}

// Ledger owns the association between observations and hypocenters. Both
// directions live under one mutex so a detach plus attach is a single step, and
// an observation has at most one owner at any instant.
type Ledger struct {
	mu      sync.Mutex
	owner   map[Ref]string
	members map[string]map[Ref]struct{}
	closed  map[string]float64 // hypo -> data time closed
}

func NewLedger() *Ledger {
	return &Ledger{
		owner:   make(map[Ref]string),
		members: make(map[string]map[Ref]struct{}),
		closed:  make(map[string]float64),
	}
}

// Attach gives ref to hypo if nobody owns it and hypo is open.
func (l *Ledger) Attach(ref Ref, hypo string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.owner[ref]; taken {
		return false
	}
	if _, dead := l.closed[hypo]; dead {
		return false
	}
	l.link(ref, hypo)
	return true
}

// Move transfers ref from one hypo to another, only if from still owns it.
func (l *Ledger) Move(ref Ref, from, to string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[ref] != from {
		return false
	}
	if _, dead := l.closed[to]; dead {
		return false
	}
	l.unlink(ref, from)
	l.link(ref, to)
	return true
}

// Detach frees ref if hypo owns it.
func (l *Ledger) Detach(ref Ref, hypo string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[ref] != hypo {
		return false
	}
	l.unlink(ref, hypo)
	return true
}

// Forget drops ref whoever owns it and returns the former owner.
func (l *Ledger) Forget(ref Ref) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.owner[ref]
	if ok {
		l.unlink(ref, h)
	}
	return h, ok
}

func (l *Ledger) Owner(ref Ref) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.owner[ref]
	return h, ok
}

func (l *Ledger) Free(ref Ref) bool {
	_, owned := l.Owner(ref)
	return !owned
}

// Members returns the observations of hypo sorted by kind then ID.
func (l *Ledger) Members(hypo string) []Ref {
	l.mu.Lock()
	out := make([]Ref, 0, len(l.members[hypo]))
	for r := range l.members[hypo] {
		out = append(out, r)
	}
	l.mu.Unlock()
	sortRefs(out)
	return out
}

func (l *Ledger) Count(hypo string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members[hypo])
}

// Close releases every observation of hypo and refuses further attaches to it.
func (l *Ledger) Close(hypo string, at float64) []Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.drop(hypo)
	l.closed[hypo] = at
	return out
}

// Transfer moves all observations of from to to and closes from.
func (l *Ledger) Transfer(from, to string, at float64) ([]Ref, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dead := l.closed[to]; dead {
		return nil, fmt.Errorf("transfer to closed hypo %s", to)
	}
	moved := l.drop(from)
	for _, r := range moved {
		l.link(r, to)
	}
	l.closed[from] = at
	return moved, nil
}

// PurgeClosed forgets hypos closed before cutoff.
func (l *Ledger) PurgeClosed(cutoff float64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for h, at := range l.closed {
		if at < cutoff {
			delete(l.closed, h)
			n++
		}
	}
	return n
}

// Audit checks that both directions agree and no closed hypo owns anything.
func (l *Ledger) Audit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for r, h := range l.owner {
		if _, ok := l.members[h][r]; !ok {
			return fmt.Errorf("%w: %s %s owned by %s but not a member", ErrInvariant, r.Kind, r.ID, h)
		}
		if _, dead := l.closed[h]; dead {
			return fmt.Errorf("%w: %s %s owned by closed hypo %s", ErrInvariant, r.Kind, r.ID, h)
		}
	}
	for h, set := range l.members {
		for r := range set {
			if l.owner[r] != h {
				return fmt.Errorf("%w: %s %s listed in %s but owned by %q", ErrInvariant, r.Kind, r.ID, h, l.owner[r])
			}
		}
	}
	return nil
}

// owners lists every hypo that owns at least one observation.
func (l *Ledger) owners() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.members))
	for h := range l.members {
		out = append(out, h)
	}
	return out
}

func (l *Ledger) link(ref Ref, hypo string) {
	l.owner[ref] = hypo
	set := l.members[hypo]
	if set == nil {
		set = make(map[Ref]struct{})
		l.members[hypo] = set
	}
	set[ref] = struct{}{}
}

func (l *Ledger) unlink(ref Ref, hypo string) {
	delete(l.owner, ref)
	if set := l.members[hypo]; set != nil {
		delete(set, ref)
		if len(set) == 0 {
			delete(l.members, hypo)
		}
	}
}

func (l *Ledger) drop(hypo string) []Ref {
	set := l.members[hypo]
	out := make([]Ref, 0, len(set))
	for r := range set {
		delete(l.owner, r)
		out = append(out, r)
	}
	delete(l.members, hypo)
	sortRefs(out)
	return out
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
}
