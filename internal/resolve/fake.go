package resolve

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// ErrFakeExhausted is returned when a fake address pool has no free address.
var ErrFakeExhausted = errors.New("fake address pool exhausted")

// FakeTable hands out placeholder addresses for hostnames and maps them back.
// Each hostname gets one address per family for the life of the table.
type FakeTable struct {
	mu    sync.Mutex
	pools [2]fakePool
	names map[netip.Addr]string
}

type fakePool struct {
	prefix netip.Prefix
	next   netip.Addr
	byName map[string]netip.Addr
}

// NewFakeTable allocates from v4 and v6. Either prefix may be invalid, which
// disables that family.
func NewFakeTable(v4, v6 netip.Prefix) *FakeTable {
	t := &FakeTable{names: make(map[netip.Addr]string)}
	for i, p := range []netip.Prefix{v4, v6} {
		if !p.IsValid() {
			continue
		}
		p = p.Masked()
		// The network address itself is never handed out; 0.0.0.0 in
		// particular means "any" to the kernel.
		t.pools[i] = fakePool{prefix: p, next: p.Addr().Next(), byName: make(map[string]netip.Addr)}
	}
	return t
}

// Allocate returns the fake address of the requested family for name,
// allocating one if needed.
func (t *FakeTable) Allocate(name string, v6 bool) (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pool := &t.pools[0]
	if v6 {
		pool = &t.pools[1]
	}
	if !pool.prefix.IsValid() {
		return netip.Addr{}, fmt.Errorf("%w: no pool for family", ErrFakeExhausted)
	}

	if a, ok := pool.byName[name]; ok {
		return a, nil
	}
	a := pool.next
	if !a.IsValid() || !pool.prefix.Contains(a) {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrFakeExhausted, pool.prefix)
	}
	pool.next = a.Next()
	pool.byName[name] = a
	t.names[a] = name
	return a, nil
}

// Lookup returns the hostname behind a fake address.
func (t *FakeTable) Lookup(a netip.Addr) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.names[a.Unmap()]
	return name, ok
}

// Contains reports whether a lies in one of the fake pools, allocated or not.
func (t *FakeTable) Contains(a netip.Addr) bool {
	a = a.Unmap()
	return t.pools[0].prefix.Contains(a) || t.pools[1].prefix.Contains(a)
}

// Len returns the number of allocated addresses.
func (t *FakeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.names)
}
