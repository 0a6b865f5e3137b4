package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stakeholder/settlement-engine/internal/store"
)

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_NotTransactional(t *testing.T) {
	assert.False(t, store.IsTransactional(store.NewMemoryStore()))
}

func TestUncached(t *testing.T) {
	ms := store.NewMemoryStore()
	assert.Same(t, ms, store.Uncached(ms))
	assert.Same(t, ms, store.Uncached(store.NewCachedStore(ms, nil, 0)))
	assert.False(t, store.IsTransactional(store.NewCachedStore(ms, nil, 0)))
}
