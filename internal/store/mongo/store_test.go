package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/store"
	"github.com/zhouzirui/llm-hub/backend/internal/store/storetest"
)

// TEST_MONGODB_URI must point at a disposable server, e.g. mongodb://localhost:27017.
func TestStoreContract(t *testing.T) {
	base := os.Getenv("TEST_MONGODB_URI")
	if base == "" {
		t.Skip("TEST_MONGODB_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		uri := fmt.Sprintf("%s/llmhub_test_%d", base, time.Now().UnixNano())
		s, err := Open(ctx, uri)
		require.NoError(t, err)

		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.conversations.Database().Drop(ctx)
			_ = s.Close(ctx)
		})
		return s
	})
}

func TestOwnedFilterRejectsMalformedIDs(t *testing.T) {
	_, ok := ownedFilter("owner", "not-an-object-id")
	assert.False(t, ok)

	filter, ok := ownedFilter("owner", "64b7f0c2a1b2c3d4e5f60718")
	require.True(t, ok)
	assert.Len(t, filter, 2)
}
