package bunstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, CreateSchema(context.Background(), db))

	repotest.Run(t, repotest.Stores{
		Events:   NewEventRepository(db),
		Profiles: NewProfileRepository(db),
		Passes:   NewPassRepository(db),
	})
}

func TestCreateSchemaIsRepeatable(t *testing.T) {
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, CreateSchema(context.Background(), db))
	require.NoError(t, CreateSchema(context.Background(), db))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("constraint failed: UNIQUE constraint failed: e_passes.user_id, e_passes.event_id")))
	assert.False(t, isUniqueViolation(fmt.Errorf("no such table")))
	assert.False(t, isUniqueViolation(nil))
}
