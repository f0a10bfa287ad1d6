// Package ledger tracks per-caller outstanding USD amounts for deferred
// pricing: the amount a caller owes for its previous call, collected on
// the next one.
package ledger

import (
	"context"
	"strings"
	"sync"
)

// Ledger maps a caller address to an outstanding USD-denominated amount
// (a non-negative decimal string). Get returns "0" for unknown addresses;
// Set overwrites. Addresses are lowercase-normalized by implementations.
// Durable backends drop in behind this same two-operation contract.
type Ledger interface {
	Get(ctx context.Context, address string) (string, error)
	Set(ctx context.Context, address, amount string) error
}

// Normalize lowercases and trims an address so lookups and writes agree on
// a key.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Memory is the in-memory reference Ledger. Safe for concurrent use.
// Records are never evicted; long-running deployments with unbounded
// caller sets should prefer a durable backend with a retention policy.
type Memory struct {
	mu    sync.RWMutex
	debts map[string]string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{debts: make(map[string]string)}
}

// Get returns the outstanding amount for the address, "0" when absent.
func (m *Memory) Get(ctx context.Context, address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	amount, ok := m.debts[Normalize(address)]
	if !ok {
		return "0", nil
	}
	return amount, nil
}

// Set overwrites the outstanding amount for the address.
func (m *Memory) Set(ctx context.Context, address, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debts[Normalize(address)] = amount
	return nil
}

// Len reports the number of recorded addresses.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.debts)
}

// KeyedMutex serializes read-modify-write sequences per key. Concurrent
// calls from the same address would otherwise race between reading the
// outstanding amount and writing the new one, under-recording debt.
// The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for key, discarding it once uncontended.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
