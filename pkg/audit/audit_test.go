package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ninaivalaigal/secore/pkg/audit"
	"github.com/ninaivalaigal/secore/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RecordsActorFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	ctx := auth.WithSubject(context.Background(), &auth.SubjectContext{UserID: "user-7"})
	err := logger.Record(ctx, audit.EventAccess, "evaluate_access", "memory:mem_1", map[string]interface{}{
		"granted": true,
	})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.Equal(t, "user-7", event.ActorID)
	assert.Equal(t, audit.EventAccess, event.Type)
	assert.Equal(t, "memory:mem_1", event.Resource)
	assert.NotEmpty(t, event.ID)
}

func TestLogger_AnonymousActor(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Record(context.Background(), audit.EventSystem, "boot", "config", nil))
	assert.Contains(t, buf.String(), `"actor_id":"anonymous"`)
}

func TestStore_AppendAndList(t *testing.T) {
	store := audit.NewStore()

	_, err := store.Append("user-1", "memory:a", "evaluate_access", map[string]bool{"granted": true})
	require.NoError(t, err)
	_, err = store.Append("user-2", "memory:a", "evaluate_access", map[string]bool{"granted": false})
	require.NoError(t, err)
	_, err = store.Append("user-1", "memory:b", "share_memory", map[string]bool{"granted": true})
	require.NoError(t, err)

	assert.Equal(t, 3, store.Len())

	all := store.List("", "", 0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].Sequence, "newest first")

	byActor := store.List("user-1", "", 0)
	require.Len(t, byActor, 2)

	byResource := store.List("", "memory:a", 0)
	require.Len(t, byResource, 2)

	limited := store.List("", "", 1)
	require.Len(t, limited, 1)
}

func TestStore_ChainVerifies(t *testing.T) {
	store := audit.NewStore()
	for i := 0; i < 10; i++ {
		_, err := store.Append("user-1", "memory:a", "evaluate_access", map[string]int{"i": i})
		require.NoError(t, err)
	}
	assert.NoError(t, store.VerifyChain())
}

func TestStore_ChainLinksPredecessor(t *testing.T) {
	store := audit.NewStore()
	first, err := store.Append("u", "r", "a", nil)
	require.NoError(t, err)
	second, err := store.Append("u", "r", "a", nil)
	require.NoError(t, err)

	assert.Empty(t, first.PreviousHash)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
}

func TestStore_GetMissing(t *testing.T) {
	store := audit.NewStore()
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, audit.ErrEntryNotFound)
}
