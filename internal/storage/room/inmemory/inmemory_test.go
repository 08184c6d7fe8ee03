package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/storage/room/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, NewStorage(zap.NewNop()))
}

func TestStorageDoesNotAlias(t *testing.T) {
	s := NewStorage(zap.NewNop())
	in := &models.RoomSnapshot{RoomID: "a", Snapshot: models.Snapshot{Elements: []models.Element{{ID: "e1", X: 1}}}}
	require.NoError(t, s.Set(context.Background(), "a", in))

	in.Elements[0].X = 50
	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Elements[0].X)
}
