package store_test

import (
	"context"
	"os"
	"testing"

	"go-dm/internal/store"
	"go-dm/internal/store/mongostore"
	"go-dm/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要 MongoDB：IM_TEST_MONGO_URI="mongodb://127.0.0.1:27017/dm_test"
func TestMongoMessageStore(t *testing.T) {
	uri := os.Getenv("IM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("IM_TEST_MONGO_URI not set")
	}
	client, db, err := mongostore.Connect(context.Background(), uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	s := store.NewMongoMessageStore(db, nil)
	require.NoError(t, s.EnsureIndexes(context.Background()))

	storetest.Run(t, func(t *testing.T) store.MessageStoreInterface { return s })
}

func TestMongoDatabaseName(t *testing.T) {
	assert.Equal(t, "dm", mongostore.DatabaseName("mongodb://127.0.0.1:27017/dm?retryWrites=true"))
	assert.Equal(t, "godm", mongostore.DatabaseName("mongodb://127.0.0.1:27017"))
	assert.Equal(t, "godm", mongostore.DatabaseName("::not a uri::"))
}
