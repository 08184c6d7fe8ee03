package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/board"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
)

func testConfig() Config {
	return Config{
		DrainTimeout:      time.Minute,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		EvictAfter:        2 * time.Hour,
		ReplayBuffer:      64,
		OutboundQueue:     64,
	}
}

func startRoom(t *testing.T, cfg Config) *Room {
	t.Helper()
	r := NewRoom("board", nil, cfg, zap.NewNop())
	go r.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func join(t *testing.T, r *Room, name string, role models.Role) (*Subscriber, models.Participant) {
	t.Helper()
	sub, p, err := r.Join(context.Background(), models.Participant{UserID: name, DisplayName: name, Role: role}, 0, "")
	require.NoError(t, err)
	return sub, p
}

func next(t *testing.T, sub *Subscriber) interface{} {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return nil
}

// nextOp skips presence updates and returns the next sequenced operation.
func nextOp(t *testing.T, sub *Subscriber) models.Operation {
	t.Helper()
	for {
		switch msg := next(t, sub).(type) {
		case *protocol.MessageSequencedOpResponse:
			return msg.Op
		case *protocol.MessagePresenceResponse:
			continue
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
}

func rect(id string, x float64) *models.Element {
	return &models.Element{
		ID: id, Kind: models.KindRectangle, X: x, Y: 0, Width: 10, Height: 10,
		Style: models.Style{StrokeColor: "#000000", StrokeWidth: 1, Opacity: 1},
		Data:  &models.RectangleData{},
	}
}

func addOp(id string, clientSeq uint64) models.Operation {
	return models.Operation{Type: models.OpAdd, ClientSeq: clientSeq, Payload: rect(id, 0)}
}

func TestJoinReceivesSnapshotAndPresence(t *testing.T) {
	r := startRoom(t, testConfig())

	subA, a := join(t, r, "alice", models.RoleOwner)
	snap, ok := next(t, subA).(*protocol.MessageSnapshotResponse)
	require.True(t, ok)
	assert.Equal(t, r.Epoch, snap.Epoch)
	require.NotNil(t, snap.Self)
	assert.Equal(t, a.ID, snap.Self.ID)
	assert.Len(t, snap.Participants, 1)

	_, err := r.Submit(context.Background(), a.ID, addOp("r1", 1))
	require.NoError(t, err)
	nextOp(t, subA)

	subB, _ := join(t, r, "bob", models.RoleCollaborator)
	snap, ok = next(t, subB).(*protocol.MessageSnapshotResponse)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.ServerSeq)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, uint64(1), snap.Elements[0].Version)
	assert.Len(t, snap.Participants, 2)

	presence, ok := next(t, subA).(*protocol.MessagePresenceResponse)
	require.True(t, ok)
	assert.Len(t, presence.Participants, 2)
	assert.NotEqual(t, presence.Participants[0].CursorColor, presence.Participants[1].CursorColor)
}

func TestSubmitSequencesInOrder(t *testing.T) {
	r := startRoom(t, testConfig())
	subA, a := join(t, r, "alice", models.RoleCollaborator)
	subB, _ := join(t, r, "bob", models.RoleCollaborator)
	next(t, subA)
	next(t, subB)

	for i := 1; i <= 3; i++ {
		op, err := r.Submit(context.Background(), a.ID, addOp(string(rune('a'+i)), uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), op.ServerSeq)
		assert.Equal(t, a.ID, op.SenderID)
	}

	for _, sub := range []*Subscriber{subA, subB} {
		for i := 1; i <= 3; i++ {
			op := nextOp(t, sub)
			assert.Equal(t, uint64(i), op.ServerSeq)
			assert.Equal(t, uint64(i), op.ClientSeq)
		}
	}
}

func TestViewerCannotMutate(t *testing.T) {
	r := startRoom(t, testConfig())
	subV, v := join(t, r, "viewer", models.RoleViewer)
	subA, a := join(t, r, "alice", models.RoleCollaborator)
	next(t, subV)
	next(t, subA)

	_, err := r.Submit(context.Background(), v.ID, addOp("r1", 7))
	require.ErrorIs(t, err, ErrForbidden)

	// the rejection goes to the viewer, after the presence update of alice's join
	var rejected *protocol.MessageRejectedResponse
	for rejected == nil {
		if msg, ok := next(t, subV).(*protocol.MessageRejectedResponse); ok {
			rejected = msg
		}
	}
	assert.Equal(t, uint64(7), rejected.ClientSeq)
	assert.Equal(t, protocol.CodeForbidden, rejected.Code)

	// alice only sees her own op
	_, err = r.Submit(context.Background(), a.ID, addOp("r2", 1))
	require.NoError(t, err)
	op := nextOp(t, subA)
	assert.Equal(t, "r2", op.ElementID)
	assert.Equal(t, uint64(1), op.ServerSeq)
}

func TestClearRequiresModerator(t *testing.T) {
	r := startRoom(t, testConfig())
	_, c := join(t, r, "collab", models.RoleCollaborator)
	_, m := join(t, r, "mod", models.RoleModerator)

	_, err := r.Submit(context.Background(), c.ID, models.Operation{Type: models.OpClear})
	assert.ErrorIs(t, err, ErrForbidden)

	op, err := r.Submit(context.Background(), m.ID, models.Operation{Type: models.OpClear})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op.ServerSeq)
}

func TestMalformedRejectedToSenderOnly(t *testing.T) {
	r := startRoom(t, testConfig())
	subA, a := join(t, r, "alice", models.RoleCollaborator)
	subB, _ := join(t, r, "bob", models.RoleCollaborator)
	next(t, subA)
	next(t, subA)
	next(t, subB)

	bad := addOp("r1", 3)
	bad.Payload.Data = &models.EllipseData{}
	_, err := r.Submit(context.Background(), a.ID, bad)
	require.ErrorIs(t, err, models.ErrMalformed)

	rejected, ok := next(t, subA).(*protocol.MessageRejectedResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeMalformed, rejected.Code)

	_, err = r.Submit(context.Background(), a.ID, models.Operation{Type: models.OpUpdate, ClientSeq: 4, Payload: rect("missing", 0)})
	require.ErrorIs(t, err, board.ErrUnknownElement)
	rejected, ok = next(t, subA).(*protocol.MessageRejectedResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnknownElement, rejected.Code)

	select {
	case msg := <-subB.Messages():
		t.Fatalf("bob received %T", msg)
	default:
	}

	info := r.Info()
	assert.Equal(t, uint64(0), info.ServerSeq)
	assert.Equal(t, 0, info.Elements)
}

func TestSubmitRequiresJoin(t *testing.T) {
	r := startRoom(t, testConfig())
	_, err := r.Submit(context.Background(), "ghost", addOp("r1", 1))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestConcurrentEditorsConverge(t *testing.T) {
	r := startRoom(t, testConfig())
	subA, a := join(t, r, "alice", models.RoleCollaborator)
	subB, b := join(t, r, "bob", models.RoleCollaborator)
	next(t, subA)
	next(t, subB)

	// alice adds r1, bob moves it as soon as he has seen it
	_, err := r.Submit(context.Background(), a.ID, addOp("r1", 1))
	require.NoError(t, err)

	storeA, storeB := board.NewStore(), board.NewStore()
	seen := nextOp(t, subB)
	require.Equal(t, uint64(1), seen.ServerSeq)
	storeB.Apply(seen)

	moved, ok := storeB.Get("r1")
	require.True(t, ok)
	moved.X = 250
	op, err := r.Submit(context.Background(), b.ID, models.Operation{Type: models.OpUpdate, ClientSeq: 1, Payload: &moved})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.ServerSeq)

	storeA.Apply(nextOp(t, subA))
	storeA.Apply(nextOp(t, subA))
	storeB.Apply(nextOp(t, subB))

	assert.Equal(t, storeA.Snapshot(), storeB.Snapshot())
	el, _ := storeA.Get("r1")
	assert.Equal(t, float64(250), el.X)
	assert.Equal(t, uint64(2), el.Version)
}

func TestSlowSubscriberGoesStaleWithoutLoss(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueue = 4
	r := startRoom(t, cfg)
	sub, p := join(t, r, "alice", models.RoleCollaborator)

	for i := 1; i <= 10; i++ {
		_, err := r.Submit(context.Background(), p.ID, addOp(string(rune('a'+i)), uint64(i)))
		require.NoError(t, err)
	}

	select {
	case <-sub.StaleSignal():
	case <-time.After(time.Second):
		t.Fatal("subscriber was not flagged stale")
	}
	assert.True(t, sub.Stale())
	assert.Equal(t, uint64(3), sub.Delivered())

	_, ok := next(t, sub).(*protocol.MessageSnapshotResponse)
	require.True(t, ok)
	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, nextOp(t, sub).ServerSeq)
	}

	require.NoError(t, r.Resync(context.Background(), p.ID, 3, r.Epoch))
	assert.False(t, sub.Stale())
	delta, ok := next(t, sub).(*protocol.MessageDeltaResponse)
	require.True(t, ok)
	for _, op := range delta.Ops {
		seqs = append(seqs, op.ServerSeq)
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seqs)
}

func TestResyncChoosesDeltaOrSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReplayGap = 3
	r := startRoom(t, cfg)
	sub, p := join(t, r, "alice", models.RoleCollaborator)
	next(t, sub)

	for i := 1; i <= 5; i++ {
		_, err := r.Submit(context.Background(), p.ID, addOp(string(rune('a'+i)), uint64(i)))
		require.NoError(t, err)
		nextOp(t, sub)
	}

	tests := []struct {
		name     string
		lastSeq  uint64
		epoch    string
		snapshot bool
		ops      int
	}{
		{name: "small gap", lastSeq: 3, epoch: r.Epoch, ops: 2},
		{name: "up to date", lastSeq: 5, epoch: r.Epoch, ops: 0},
		{name: "gap too large", lastSeq: 1, epoch: r.Epoch, snapshot: true},
		{name: "never synced", lastSeq: 0, epoch: r.Epoch, snapshot: true},
		{name: "other epoch", lastSeq: 4, epoch: "elsewhere", snapshot: true},
		{name: "ahead of server", lastSeq: 9, epoch: r.Epoch, snapshot: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, r.Resync(context.Background(), p.ID, tt.lastSeq, tt.epoch))
			msg := next(t, sub)
			if tt.snapshot {
				snap, ok := msg.(*protocol.MessageSnapshotResponse)
				require.True(t, ok, "got %T", msg)
				assert.Len(t, snap.Elements, 5)
				return
			}
			delta, ok := msg.(*protocol.MessageDeltaResponse)
			require.True(t, ok, "got %T", msg)
			assert.Len(t, delta.Ops, tt.ops)
			assert.Equal(t, uint64(5), delta.ServerSeq)
		})
	}
}

func TestResyncReplayStartsAtClear(t *testing.T) {
	r := startRoom(t, testConfig())
	sub, p := join(t, r, "owner", models.RoleOwner)
	next(t, sub)

	ops := []models.Operation{addOp("r1", 1), addOp("r2", 2), {Type: models.OpClear, ClientSeq: 3}, addOp("r3", 4)}
	for _, op := range ops {
		_, err := r.Submit(context.Background(), p.ID, op)
		require.NoError(t, err)
		nextOp(t, sub)
	}

	require.NoError(t, r.Resync(context.Background(), p.ID, 1, r.Epoch))
	delta, ok := next(t, sub).(*protocol.MessageDeltaResponse)
	require.True(t, ok)
	require.Len(t, delta.Ops, 2)
	assert.Equal(t, models.OpClear, delta.Ops[0].Type)
	assert.Equal(t, "r3", delta.Ops[1].ElementID)
}

func TestDrainDestroysAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	r := NewRoom("board", nil, cfg, zap.NewNop())

	var (
		mu        sync.Mutex
		persisted []models.RoomSnapshot
		destroyed bool
	)
	r.OnPersist(func(s models.RoomSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		persisted = append(persisted, s)
	})
	r.OnDestroy(func(*Room) {
		mu.Lock()
		defer mu.Unlock()
		destroyed = true
	})
	go r.Run()

	sub, p := join(t, r, "alice", models.RoleCollaborator)
	_, err := r.Submit(context.Background(), p.ID, addOp("r1", 1))
	require.NoError(t, err)
	require.NoError(t, r.Leave(context.Background(), p.ID))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on leave")
	}
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("room not destroyed after drain timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, destroyed)
	require.Len(t, persisted, 1)
	assert.Len(t, persisted[0].Elements, 1)
	assert.Equal(t, r.Epoch, persisted[0].Epoch)
	assert.Equal(t, StateDestroyed.String(), r.Info().State)

	_, _, err = r.Join(context.Background(), models.Participant{Role: models.RoleViewer}, 0, "")
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestRestoredRoomRemembersDeletes(t *testing.T) {
	store := board.NewStore()
	store.Apply(models.Operation{Type: models.OpAdd, ElementID: "r1", ServerSeq: 1, Payload: rect("r1", 0)})
	store.Apply(models.Operation{Type: models.OpDelete, ElementID: "r1", ServerSeq: 2})

	// through the same encoding the storage backends use
	data, err := json.Marshal(&models.RoomSnapshot{RoomID: "board", Epoch: "e1", Snapshot: store.Snapshot()})
	require.NoError(t, err)
	var saved models.RoomSnapshot
	require.NoError(t, json.Unmarshal(data, &saved))

	r := NewRoom("board", &saved, testConfig(), zap.NewNop())
	go r.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})

	sub, p, err := r.Join(context.Background(), models.Participant{UserID: "alice", Role: models.RoleCollaborator}, 2, "e1")
	require.NoError(t, err)
	delta, ok := next(t, sub).(*protocol.MessageDeltaResponse)
	require.True(t, ok)
	assert.Empty(t, delta.Ops)

	_, err = r.Submit(context.Background(), p.ID, addOp("r1", 1))
	require.ErrorIs(t, err, board.ErrDuplicateElement)

	late, _, err := r.Join(context.Background(), models.Participant{UserID: "bob", Role: models.RoleViewer}, 0, "")
	require.NoError(t, err)
	snap, ok := next(t, late).(*protocol.MessageSnapshotResponse)
	require.True(t, ok)
	assert.Equal(t, map[string]uint64{"r1": 2}, snap.Tombstones)
	assert.Equal(t, uint64(2), snap.Snapshot().ServerSeq)
}

func TestRejoinCancelsDrain(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 150 * time.Millisecond
	r := startRoom(t, cfg)

	_, a := join(t, r, "alice", models.RoleCollaborator)
	_, err := r.Submit(context.Background(), a.ID, addOp("r1", 1))
	require.NoError(t, err)
	require.NoError(t, r.Leave(context.Background(), a.ID))

	require.Eventually(t, func() bool {
		return r.Info().State == StateDraining.String()
	}, time.Second, 5*time.Millisecond)

	sub, _ := join(t, r, "bob", models.RoleCollaborator)
	snap, ok := next(t, sub).(*protocol.MessageSnapshotResponse)
	require.True(t, ok)
	assert.Len(t, snap.Elements, 1)

	time.Sleep(3 * cfg.DrainTimeout)
	select {
	case <-r.Done():
		t.Fatal("room destroyed while a participant is present")
	default:
	}
	assert.Equal(t, StateActive.String(), r.Info().State)
}

func TestUnjoinedRoomIsCollected(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 30 * time.Millisecond
	r := NewRoom("board", nil, cfg, zap.NewNop())
	go r.Run()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("empty room was not collected")
	}
}

func TestHeartbeatExpiryAndReturn(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	r := startRoom(t, cfg)

	sub, p := join(t, r, "alice", models.RoleCollaborator)
	next(t, sub)

	require.Eventually(t, func() bool {
		return r.Info().Online == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.Info().Participants)

	presence, ok := next(t, sub).(*protocol.MessagePresenceResponse)
	require.True(t, ok)
	assert.False(t, presence.Participants[0].Online)

	r.Touch(p.ID)
	require.Eventually(t, func() bool {
		return r.Info().Online == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSilentParticipantIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.EvictAfter = 40 * time.Millisecond
	r := startRoom(t, cfg)

	sub, _ := join(t, r, "alice", models.RoleCollaborator)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("participant was not evicted")
	}
	assert.Equal(t, 0, r.Info().Participants)
}

func TestCursorMovesCoalesce(t *testing.T) {
	r := startRoom(t, testConfig())
	_, a := join(t, r, "alice", models.RoleCollaborator)
	subB, _ := join(t, r, "bob", models.RoleCollaborator)

	r.MoveCursor(a.ID, models.Cursor{X: 10, Y: 10})
	r.MoveCursor(a.ID, models.Cursor{X: 20, Y: 20})
	r.MoveCursor(a.ID, models.Cursor{X: 30, Y: 30})

	var last protocol.CursorPosition
	require.Eventually(t, func() bool {
		for _, c := range subB.TakeCursors() {
			assert.Equal(t, a.ID, c.ParticipantID)
			last = c
		}
		return last.X == 30
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(30), last.Y)

	// cursors never enter the durable queue
	for len(subB.Messages()) > 0 {
		msg := <-subB.Messages()
		_, isCursor := msg.(*protocol.MessageCursorsResponse)
		assert.False(t, isCursor)
	}
}

func TestOpLogSince(t *testing.T) {
	l := NewOpLog(3)
	_, ok := l.Since(0)
	assert.False(t, ok)

	for seq := uint64(1); seq <= 5; seq++ {
		l.Append(models.Operation{Type: models.OpDelete, ElementID: "x", ServerSeq: seq})
	}
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(3), l.Oldest())
	assert.Equal(t, uint64(5), l.Newest())

	ops, ok := l.Since(3)
	require.True(t, ok)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(4), ops[0].ServerSeq)

	ops, ok = l.Since(2)
	require.True(t, ok)
	assert.Len(t, ops, 3)

	_, ok = l.Since(1)
	assert.False(t, ok, "seq 2 was evicted")

	ops, ok = l.Since(5)
	require.True(t, ok)
	assert.Empty(t, ops)
}
