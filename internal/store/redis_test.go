package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeholder/settlement-engine/internal/model"
	"github.com/stakeholder/settlement-engine/internal/store"
)

func logRecord(issuer string) *model.TransactionRecord {
	return &model.TransactionRecord{
		BuyerID: "alice", IssuerID: issuer, Side: model.SideBuy, Quantity: 1,
		PricePerUnit: d(2), TotalAmount: d(2), Timestamp: time.Now().UTC(),
	}
}

func TestCachedStore_RedisDownFallsThrough(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	id, err := cs.AppendTransaction(ctx, logRecord("acme"))
	require.NoError(t, err)
	records, err := cs.ListTransactionsByIssuer(ctx, "acme", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, cs.DeleteTransaction(ctx, id))
	records, err = cs.ListTransactionsByIssuer(ctx, "acme", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

// Needs a disposable Redis, e.g. TEST_REDIS_URL=redis://localhost:6379/15.
func TestCachedStore_DeleteInvalidatesWithoutIssuerMapping(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	issuer := "iss-" + uuid.NewString()
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	id, err := cs.AppendTransaction(ctx, logRecord(issuer))
	require.NoError(t, err)
	records, err := cs.ListTransactionsByIssuer(ctx, issuer, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1, "log is now cached")

	// Lose the id to issuer mapping, as after an eviction.
	require.NoError(t, rdb.Del(ctx, "txlog:tx:"+id).Err())

	require.NoError(t, cs.DeleteTransaction(ctx, id))
	records, err = cs.ListTransactionsByIssuer(ctx, issuer, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records, "deleted entry must not be served from cache")
}
