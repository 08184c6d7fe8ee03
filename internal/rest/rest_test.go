package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/auth"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
	"github.com/Icerzack/excalisync/internal/room"
	rStorage "github.com/Icerzack/excalisync/internal/storage/room"
)

func newRest(t *testing.T, config *Config) (*Rest, *httptest.Server) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	app := NewRest(config)
	require.NoError(t, app.Init())
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		app.Stop()
	})
	return app, srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func seedRoom(t *testing.T, app *Rest, roomID string) {
	t.Helper()
	r, _, p, err := app.Manager().Join(context.Background(), room.JoinRequest{
		RoomID:      roomID,
		Create:      true,
		Participant: models.Participant{UserID: "alice", Role: models.RoleOwner},
	})
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), p.ID, models.Operation{
		Type: models.OpAdd,
		Payload: &models.Element{
			ID: "r1", Kind: models.KindRectangle, X: 10, Y: 10, Width: 100, Height: 50,
			Style: models.Style{StrokeColor: "#1e1e1e", FillColor: "#ffec99", StrokeWidth: 2, Opacity: 1},
			Data:  &models.RectangleData{},
		},
	})
	require.NoError(t, err)
}

func TestPing(t *testing.T) {
	_, srv := newRest(t, &Config{})
	resp, body := get(t, srv.URL+"/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestRoomsEndpoints(t *testing.T) {
	app, srv := newRest(t, &Config{})

	resp, body := get(t, srv.URL+"/rooms/missing/snapshot")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errMsg protocol.MessageErrorResponse
	require.NoError(t, json.Unmarshal(body, &errMsg))
	assert.Equal(t, protocol.CodeNoSuchRoom, errMsg.Code)

	seedRoom(t, app, "board")

	resp, body = get(t, srv.URL+"/rooms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []room.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "board", infos[0].ID)
	assert.Equal(t, 1, infos[0].Online)

	resp, body = get(t, srv.URL+"/rooms/board/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot models.RoomSnapshot
	require.NoError(t, json.Unmarshal(body, &snapshot))
	assert.Equal(t, uint64(1), snapshot.ServerSeq)
	require.Len(t, snapshot.Elements, 1)
	assert.Equal(t, models.KindRectangle, snapshot.Elements[0].Kind)

	resp, body = get(t, srv.URL+"/rooms/board/export.pdf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF-")))
}

func TestStopPersistsRooms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")

	app := NewRest(&Config{RoomsStorageType: rStorage.BoltStorageType, BoltPath: path, Logger: zap.NewNop()})
	require.NoError(t, app.Init())
	seedRoom(t, app, "board")
	app.Stop()

	// a fresh server reads the room back from the same file
	again, srv := newRest(t, &Config{RoomsStorageType: rStorage.BoltStorageType, BoltPath: path})
	resp, body := get(t, srv.URL+"/rooms/board/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot models.RoomSnapshot
	require.NoError(t, json.Unmarshal(body, &snapshot))
	assert.Equal(t, uint64(1), snapshot.ServerSeq)
	assert.Len(t, snapshot.Elements, 1)
	assert.Empty(t, again.Manager().Rooms())
}

func TestIdentityProviderNeedsSettings(t *testing.T) {
	app := NewRest(&Config{Auth: AuthConfig{Type: auth.HMACProviderType}, Logger: zap.NewNop()})
	assert.Error(t, app.Init())

	app = NewRest(&Config{Auth: AuthConfig{Type: auth.RemoteProviderType}, Logger: zap.NewNop()})
	assert.Error(t, app.Init())
}
