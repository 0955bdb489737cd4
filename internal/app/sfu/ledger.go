package sfu

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
)

type edge struct {
	src, dst domain.ClientID
}

// Ledger records which published tracks are forwarded into which sessions.
// For every (source, target) pair it keeps the forwarders keyed by source track id.
type Ledger struct {
	mu    sync.Mutex
	edges map[edge]map[string]core.Forwarder
}

func NewLedger() *Ledger {
	return &Ledger{edges: make(map[edge]map[string]core.Forwarder)}
}

// Record stores f as the forward of trackID from src into dst.
// It returns false and stores nothing when that forward already exists.
func (l *Ledger) Record(src, dst domain.ClientID, trackID string, f core.Forwarder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := edge{src, dst}
	fwds, ok := l.edges[k]
	if !ok {
		fwds = make(map[string]core.Forwarder)
		l.edges[k] = fwds
	}
	if _, dup := fwds[trackID]; dup {
		return false
	}
	fwds[trackID] = f
	return true
}

func (l *Ledger) Has(src, dst domain.ClientID, trackID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.edges[edge{src, dst}][trackID]
	return ok
}

// Take removes and returns every forward from src into dst.
func (l *Ledger) Take(src, dst domain.ClientID) []core.Forwarder {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := edge{src, dst}
	fwds := l.edges[k]
	delete(l.edges, k)
	return sortedForwarders(fwds)
}

// TakeSource removes every forward of src's tracks, grouped by target.
func (l *Ledger) TakeSource(src domain.ClientID) map[domain.ClientID][]core.Forwarder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.ClientID][]core.Forwarder)
	for k, fwds := range l.edges {
		if k.src != src {
			continue
		}
		out[k.dst] = sortedForwarders(fwds)
		delete(l.edges, k)
	}
	return out
}

// DropTarget removes every forward into dst, grouped by source.
func (l *Ledger) DropTarget(dst domain.ClientID) map[domain.ClientID][]core.Forwarder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.ClientID][]core.Forwarder)
	for k, fwds := range l.edges {
		if k.dst != dst {
			continue
		}
		out[k.src] = sortedForwarders(fwds)
		delete(l.edges, k)
	}
	return out
}

// Targets lists the clients receiving at least one of src's tracks.
func (l *Ledger) Targets(src domain.ClientID) []domain.ClientID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ClientID
	for k := range l.edges {
		if k.src == src {
			out = append(out, k.dst)
		}
	}
	slices.Sort(out)
	return out
}

// Sources lists the clients whose tracks are forwarded into dst.
func (l *Ledger) Sources(dst domain.ClientID) []domain.ClientID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ClientID
	for k := range l.edges {
		if k.dst == dst {
			out = append(out, k.src)
		}
	}
	slices.Sort(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, fwds := range l.edges {
		n += len(fwds)
	}
	return n
}

func sortedForwarders(fwds map[string]core.Forwarder) []core.Forwarder {
	out := make([]core.Forwarder, 0, len(fwds))
	for _, id := range slices.Sorted(maps.Keys(fwds)) {
		out = append(out, fwds[id])
	}
	return out
}
