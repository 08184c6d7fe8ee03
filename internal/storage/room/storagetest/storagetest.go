// Package storagetest checks that a room storage behaves like the in-memory one.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Icerzack/excalisync/internal/models"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

func snapshot(roomID string, seq uint64) *models.RoomSnapshot {
	return &models.RoomSnapshot{
		RoomID: roomID,
		Epoch:  "epoch-" + roomID,
		Snapshot: models.Snapshot{
			Elements: []models.Element{{
				ID: "t1", Kind: models.KindText, X: 1, Y: 2, Width: 30, Height: 12,
				Style:   models.Style{StrokeColor: "#1e1e1e", StrokeWidth: 1, Opacity: 1},
				Data:    &models.TextData{Text: "hello", FontFamily: "Virgil", FontSize: 20},
				Version: seq,
			}},
			ServerSeq: seq,
		},
		SavedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Run exercises the Storage contract against s.
func Run(t *testing.T, s rStorage.Storage) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, rStorage.ErrRoomNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		want := snapshot("board-1", 3)
		require.NoError(t, s.Set(ctx, "board-1", want))

		got, err := s.Get(ctx, "board-1")
		require.NoError(t, err)
		assert.Equal(t, want.Epoch, got.Epoch)
		assert.Equal(t, want.ServerSeq, got.ServerSeq)
		require.Len(t, got.Elements, 1)
		text, ok := got.Elements[0].Data.(*models.TextData)
		require.True(t, ok)
		assert.Equal(t, "hello", text.Text)
		assert.True(t, want.SavedAt.Equal(got.SavedAt))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "board-2", snapshot("board-2", 1)))
		require.NoError(t, s.Set(ctx, "board-2", snapshot("board-2", 9)))

		got, err := s.Get(ctx, "board-2")
		require.NoError(t, err)
		assert.Equal(t, uint64(9), got.ServerSeq)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "board-3", snapshot("board-3", 1)))
		require.NoError(t, s.Delete(ctx, "board-3"))

		_, err := s.Get(ctx, "board-3")
		assert.ErrorIs(t, err, rStorage.ErrRoomNotFound)
		assert.NoError(t, s.Delete(ctx, "board-3"), "deleting twice is fine")
	})
}
