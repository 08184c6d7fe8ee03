package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/board"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/presence"
	"github.com/Icerzack/excalisync/internal/protocol"
)

type State int

const (
	StateEmpty State = iota
	StateActive
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Info is a point-in-time summary of a room.
type Info struct {
	ID           string `json:"id"`
	Epoch        string `json:"epoch"`
	State        string `json:"state"`
	ServerSeq    uint64 `json:"serverSeq"`
	Elements     int    `json:"elements"`
	Participants int    `json:"participants"`
	Online       int    `json:"online"`
}

// Room is the single writer of one whiteboard. All state below is owned by
// the run goroutine; other goroutines talk to it through the inbox.
type Room struct {
	// ID is the unique identifier of the room
	ID string

	// Epoch changes whenever the room is recreated without its history
	Epoch string

	cfg    Config
	logger *zap.Logger

	store       *board.Store
	log         *OpLog
	presence    *presence.Tracker
	subscribers map[string]*Subscriber

	inbox     chan interface{}
	presences chan presenceCmd
	done      chan struct{}

	state      State
	drainTimer *time.Timer
	drainGen   uint64

	persistedSeq uint64
	persist      func(models.RoomSnapshot)
	onDestroy    func(*Room)

	info atomic.Pointer[Info]
}

type joinCmd struct {
	participant models.Participant
	lastSeq     uint64
	epoch       string
	reply       chan joinResult
}

type joinResult struct {
	sub         *Subscriber
	participant models.Participant
}

type leaveCmd struct {
	participantID string
	reply         chan struct{}
}

type submitCmd struct {
	participantID string
	op            models.Operation
	reply         chan submitResult
}

type submitResult struct {
	op  models.Operation
	err error
}

type resyncCmd struct {
	participantID string
	lastSeq       uint64
	epoch         string
	reply         chan error
}

type snapshotCmd struct {
	reply chan models.RoomSnapshot
}

type drainExpiredCmd struct {
	gen uint64
}

type closeCmd struct{}

// presenceCmd carries a cursor move or, with a nil cursor, a bare heartbeat.
type presenceCmd struct {
	participantID string
	cursor        *models.Cursor
}

// NewRoom creates a room, restoring it from snapshot when one is given.
// The room does nothing until Run is called.
func NewRoom(id string, snapshot *models.RoomSnapshot, cfg Config, logger *zap.Logger) *Room {
	cfg = cfg.withDefaults()
	r := &Room{
		ID:          id,
		cfg:         cfg,
		logger:      logger.With(zap.String("roomID", id)),
		log:         NewOpLog(cfg.ReplayBuffer),
		presence:    presence.NewTracker(cfg.Bounds),
		subscribers: make(map[string]*Subscriber),
		inbox:       make(chan interface{}, cfg.InboxSize),
		presences:   make(chan presenceCmd, cfg.PresenceQueue),
		done:        make(chan struct{}),
	}

	if snapshot != nil {
		r.Epoch = snapshot.Epoch
		r.store = board.Restore(snapshot.Snapshot)
		r.persistedSeq = snapshot.ServerSeq
	} else {
		r.Epoch = generateRandomID()
		r.store = board.NewStore()
	}
	r.publishInfo()
	return r
}

// OnPersist registers the sink for durable snapshots. It must be called before Run.
func (r *Room) OnPersist(fn func(models.RoomSnapshot)) {
	r.persist = fn
}

// OnDestroy registers a callback invoked from the room goroutine once the
// room is destroyed. It must be called before Run.
func (r *Room) OnDestroy(fn func(*Room)) {
	r.onDestroy = fn
}

// Done is closed once the room is destroyed.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Info returns the latest summary without going through the room goroutine.
func (r *Room) Info() Info {
	return *r.info.Load()
}

// Join adds a participant and returns its subscriber. The first message
// queued on the subscriber is a snapshot or, when lastSeq and epoch allow
// it, a delta of the operations missed since lastSeq.
func (r *Room) Join(ctx context.Context, p models.Participant, lastSeq uint64, epoch string) (*Subscriber, models.Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	reply := make(chan joinResult, 1)
	if err := r.send(ctx, joinCmd{participant: p, lastSeq: lastSeq, epoch: epoch, reply: reply}); err != nil {
		return nil, models.Participant{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return nil, models.Participant{}, err
	}
	return res.sub, res.participant, nil
}

// Leave removes a participant. Leaving twice is a no-op.
func (r *Room) Leave(ctx context.Context, participantID string) error {
	reply := make(chan struct{}, 1)
	if err := r.send(ctx, leaveCmd{participantID: participantID, reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, r, reply)
	return err
}

// Submit sequences a mutating operation from a participant. Rejections are
// also delivered to the participant's subscriber, and only to it.
func (r *Room) Submit(ctx context.Context, participantID string, op models.Operation) (models.Operation, error) {
	reply := make(chan submitResult, 1)
	if err := r.send(ctx, submitCmd{participantID: participantID, op: op, reply: reply}); err != nil {
		return models.Operation{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return models.Operation{}, err
	}
	return res.op, res.err
}

// Resync clears the stale flag of a participant's subscriber and queues a
// delta or snapshot on it.
func (r *Room) Resync(ctx context.Context, participantID string, lastSeq uint64, epoch string) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, resyncCmd{participantID: participantID, lastSeq: lastSeq, epoch: epoch, reply: reply}); err != nil {
		return err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return err
	}
	return res
}

// Snapshot returns the current durable state of the room.
func (r *Room) Snapshot(ctx context.Context) (models.RoomSnapshot, error) {
	reply := make(chan models.RoomSnapshot, 1)
	if err := r.send(ctx, snapshotCmd{reply: reply}); err != nil {
		return models.RoomSnapshot{}, err
	}
	return await(ctx, r, reply)
}

// MoveCursor records a cursor position. Cursor moves are ephemeral: when
// the room is busy they are dropped rather than queued.
func (r *Room) MoveCursor(participantID string, c models.Cursor) {
	r.offerPresence(presenceCmd{participantID: participantID, cursor: &c})
}

// Touch records a heartbeat from a participant.
func (r *Room) Touch(participantID string) {
	r.offerPresence(presenceCmd{participantID: participantID})
}

// Close persists and destroys the room regardless of who is still in it.
func (r *Room) Close(ctx context.Context) error {
	select {
	case r.inbox <- closeCmd{}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) send(ctx context.Context, cmd interface{}) error {
	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, r *Room, reply <-chan T) (T, error) {
	var zero T
	select {
	case res := <-reply:
		return res, nil
	case <-r.done:
		select {
		case res := <-reply:
			return res, nil
		default:
		}
		return zero, ErrRoomClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) offerPresence(cmd presenceCmd) {
	select {
	case r.presences <- cmd:
	default:
	}
}

// Run processes commands until the room is destroyed.
func (r *Room) Run() {
	defer close(r.done)

	sweep := time.NewTicker(r.cfg.HeartbeatInterval)
	defer sweep.Stop()

	var snapshots <-chan time.Time
	if r.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(r.cfg.SnapshotInterval)
		defer t.Stop()
		snapshots = t.C
	}

	// a room nobody manages to join is collected like a drained one
	r.armDrain()
	r.logger.Debug("Room started", zap.String("epoch", r.Epoch), zap.Uint64("serverSeq", r.store.Seq()))

	for {
		select {
		case cmd := <-r.inbox:
			if r.handle(cmd) {
				return
			}
		case cmd := <-r.presences:
			r.handlePresence(cmd)
		case now := <-sweep.C:
			r.sweep(now)
		case <-snapshots:
			r.persistIfChanged()
		}
		r.publishInfo()
	}
}

// handle processes one inbox command and reports whether the room is gone.
func (r *Room) handle(cmd interface{}) bool {
	switch c := cmd.(type) {
	case joinCmd:
		r.handleJoin(c)
	case leaveCmd:
		r.removeParticipant(c.participantID, "left")
		c.reply <- struct{}{}
	case submitCmd:
		op, err := r.sequence(c.participantID, c.op)
		if err != nil {
			r.reject(c.participantID, c.op, err)
		}
		c.reply <- submitResult{op: op, err: err}
	case resyncCmd:
		c.reply <- r.handleResync(c)
	case snapshotCmd:
		c.reply <- r.roomSnapshot()
	case drainExpiredCmd:
		if c.gen == r.drainGen && r.presence.OnlineCount() == 0 &&
			(r.state == StateEmpty || r.state == StateDraining) {
			r.destroy("drained")
			return true
		}
	case closeCmd:
		r.destroy("closed")
		return true
	default:
		r.logger.Error("Unknown room command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
	return false
}

func (r *Room) handleJoin(c joinCmd) {
	if old, ok := r.subscribers[c.participant.ID]; ok {
		old.close()
	}
	p := r.presence.Join(c.participant, time.Now())
	sub := newSubscriber(p.ID, r.cfg.OutboundQueue)
	r.subscribers[p.ID] = sub
	r.activate()

	participants := r.presence.List()
	ops, full := r.recover(c.lastSeq, c.epoch)
	if full {
		sub.deliver(r.snapshotMessage(participants, &p))
	} else {
		sub.deliver(r.deltaMessage(ops, participants, &p))
	}

	for id, other := range r.subscribers {
		if id == p.ID {
			continue
		}
		if q, ok := r.presence.Get(id); ok && q.Cursor != nil {
			sub.pushCursor(id, *q.Cursor)
		}
		other.deliver(r.presenceMessage(participants))
	}

	r.logger.Info("Participant joined",
		zap.String("participantID", p.ID),
		zap.String("userID", p.UserID),
		zap.String("role", string(p.Role)),
		zap.Bool("snapshot", full),
		zap.Int("replayed", len(ops)),
	)
	c.reply <- joinResult{sub: sub, participant: p}
}

func (r *Room) removeParticipant(id, reason string) {
	if !r.presence.Leave(id) {
		return
	}
	if sub, ok := r.subscribers[id]; ok {
		sub.close()
		delete(r.subscribers, id)
	}
	for _, sub := range r.subscribers {
		sub.dropCursor(id)
	}
	r.broadcastPresence()
	r.logger.Info("Participant removed", zap.String("participantID", id), zap.String("reason", reason))
	r.checkDrain()
}

// sequence validates an operation, assigns it the next sequence number,
// applies it and broadcasts it to every subscriber including the sender.
func (r *Room) sequence(participantID string, op models.Operation) (models.Operation, error) {
	p, ok := r.presence.Get(participantID)
	if !ok {
		return models.Operation{}, ErrNotJoined
	}
	if r.presence.Touch(participantID, time.Now()) {
		r.broadcastPresence()
		r.activate()
	}

	if !op.Mutating() {
		return models.Operation{}, fmt.Errorf("%q is not a board operation: %w", op.Type, models.ErrMalformed)
	}
	if !p.Role.CanMutate() {
		return models.Operation{}, fmt.Errorf("%s cannot edit the board: %w", p.Role, ErrForbidden)
	}
	if op.Type == models.OpClear && !p.Role.CanClear() {
		return models.Operation{}, fmt.Errorf("%s cannot clear the board: %w", p.Role, ErrForbidden)
	}

	op = op.Clone()
	op.RoomID = r.ID
	op.SenderID = participantID
	op.ServerSeq = 0
	op.Cursor = nil
	if err := op.Validate(r.cfg.Bounds); err != nil {
		return models.Operation{}, err
	}
	if err := r.store.Check(op); err != nil {
		return models.Operation{}, err
	}

	op.ServerSeq = r.store.Seq() + 1
	if op.Payload != nil {
		op.Payload.Version = op.ServerSeq
	}
	r.store.Apply(op)
	r.log.Append(op)

	msg := &protocol.MessageSequencedOpResponse{
		Message: protocol.Message{Event: protocol.EventSequencedOp},
		Op:      op,
	}
	for id, sub := range r.subscribers {
		if !sub.deliver(msg) && sub.Stale() {
			r.logger.Debug("Subscriber is stale", zap.String("participantID", id), zap.Uint64("serverSeq", op.ServerSeq))
		}
	}
	return op.Clone(), nil
}

func (r *Room) reject(participantID string, op models.Operation, err error) {
	r.logger.Debug("Operation rejected",
		zap.String("participantID", participantID),
		zap.Uint64("clientSeq", op.ClientSeq),
		zap.Error(err),
	)
	sub, ok := r.subscribers[participantID]
	if !ok {
		return
	}
	sub.deliver(&protocol.MessageRejectedResponse{
		Message:   protocol.Message{Event: protocol.EventRejected},
		ClientSeq: op.ClientSeq,
		Code:      ErrorCode(err),
		Reason:    err.Error(),
	})
}

func (r *Room) handleResync(c resyncCmd) error {
	sub, ok := r.subscribers[c.participantID]
	if !ok {
		return ErrNotJoined
	}
	sub.clearStale()

	participants := r.presence.List()
	ops, full := r.recover(c.lastSeq, c.epoch)
	if full {
		sub.deliver(r.snapshotMessage(participants, nil))
	} else {
		sub.deliver(r.deltaMessage(ops, participants, nil))
	}
	return nil
}

// recover decides how a client that last saw lastSeq of epoch catches up:
// either with the buffered operations after lastSeq or with a full snapshot.
func (r *Room) recover(lastSeq uint64, epoch string) ([]models.Operation, bool) {
	head := r.store.Seq()
	if lastSeq == 0 || epoch != r.Epoch || lastSeq > head {
		return nil, true
	}
	if lastSeq == head {
		return []models.Operation{}, false
	}

	// replay starts at the last clear, nothing before it survives
	from := lastSeq
	if clearSeq := r.store.ClearSeq(); clearSeq > from+1 {
		from = clearSeq - 1
	}
	if head-from > uint64(r.cfg.MaxReplayGap) {
		return nil, true
	}
	ops, ok := r.log.Since(from)
	if !ok {
		return nil, true
	}
	return ops, false
}

func (r *Room) handlePresence(c presenceCmd) {
	if r.presence.Touch(c.participantID, time.Now()) {
		r.broadcastPresence()
		r.activate()
	}
	if c.cursor == nil {
		return
	}
	cursor, ok := r.presence.Move(c.participantID, *c.cursor)
	if !ok {
		return
	}
	for id, sub := range r.subscribers {
		if id != c.participantID {
			sub.pushCursor(c.participantID, cursor)
		}
	}
}

// sweep marks silent participants offline and evicts the long gone ones.
func (r *Room) sweep(now time.Time) {
	expired := r.presence.Expire(now, r.cfg.HeartbeatTimeout)
	for _, id := range expired {
		for _, sub := range r.subscribers {
			sub.dropCursor(id)
		}
	}
	if len(expired) > 0 {
		r.logger.Debug("Participants went offline", zap.Strings("participantIDs", expired))
		r.broadcastPresence()
		r.checkDrain()
	}

	evicted := r.presence.Evict(now, r.cfg.EvictAfter)
	for _, id := range evicted {
		if sub, ok := r.subscribers[id]; ok {
			sub.close()
			delete(r.subscribers, id)
		}
	}
	if len(evicted) > 0 {
		r.logger.Info("Participants evicted", zap.Strings("participantIDs", evicted))
		r.broadcastPresence()
		r.checkDrain()
	}
}

func (r *Room) checkDrain() {
	if r.state != StateActive || r.presence.OnlineCount() > 0 {
		return
	}
	r.state = StateDraining
	r.armDrain()
	r.logger.Debug("Room draining", zap.Duration("timeout", r.cfg.DrainTimeout))
}

func (r *Room) armDrain() {
	r.drainGen++
	gen := r.drainGen
	if r.drainTimer != nil {
		r.drainTimer.Stop()
	}
	r.drainTimer = time.AfterFunc(r.cfg.DrainTimeout, func() {
		select {
		case r.inbox <- drainExpiredCmd{gen: gen}:
		case <-r.done:
		}
	})
}

// activate cancels a pending drain once somebody is online again.
func (r *Room) activate() {
	if r.state == StateActive || r.presence.OnlineCount() == 0 {
		return
	}
	if r.drainTimer != nil {
		r.drainTimer.Stop()
	}
	// a timer that already fired carries an old generation and is ignored
	r.drainGen++
	r.state = StateActive
}

func (r *Room) destroy(reason string) {
	r.state = StateDestroyed
	if r.drainTimer != nil {
		r.drainTimer.Stop()
	}
	if r.persist != nil {
		r.persist(r.roomSnapshot())
		r.persistedSeq = r.store.Seq()
	}
	for id, sub := range r.subscribers {
		sub.close()
		delete(r.subscribers, id)
	}
	r.publishInfo()
	r.logger.Info("Room destroyed", zap.String("reason", reason), zap.Uint64("serverSeq", r.store.Seq()))
	if r.onDestroy != nil {
		r.onDestroy(r)
	}
}

func (r *Room) persistIfChanged() {
	if r.persist == nil || r.store.Seq() == r.persistedSeq {
		return
	}
	r.persist(r.roomSnapshot())
	r.persistedSeq = r.store.Seq()
}

func (r *Room) roomSnapshot() models.RoomSnapshot {
	return models.RoomSnapshot{
		RoomID:   r.ID,
		Epoch:    r.Epoch,
		Snapshot: r.store.Snapshot(),
		SavedAt:  time.Now().UTC(),
	}
}

func (r *Room) broadcastPresence() {
	msg := r.presenceMessage(r.presence.List())
	for _, sub := range r.subscribers {
		sub.deliver(msg)
	}
}

func (r *Room) presenceMessage(participants []models.Participant) *protocol.MessagePresenceResponse {
	return &protocol.MessagePresenceResponse{
		Message:      protocol.Message{Event: protocol.EventPresence},
		RoomID:       r.ID,
		Participants: participants,
	}
}

func (r *Room) snapshotMessage(participants []models.Participant, self *models.Participant) *protocol.MessageSnapshotResponse {
	snapshot := r.store.Snapshot()
	return &protocol.MessageSnapshotResponse{
		Message:      protocol.Message{Event: protocol.EventSnapshot},
		RoomID:       r.ID,
		Epoch:        r.Epoch,
		ServerSeq:    snapshot.ServerSeq,
		ClearSeq:     snapshot.ClearSeq,
		Elements:     snapshot.Elements,
		Tombstones:   snapshot.Tombstones,
		Participants: participants,
		Self:         self,
	}
}

func (r *Room) deltaMessage(ops []models.Operation, participants []models.Participant, self *models.Participant) *protocol.MessageDeltaResponse {
	return &protocol.MessageDeltaResponse{
		Message:      protocol.Message{Event: protocol.EventDelta},
		RoomID:       r.ID,
		Epoch:        r.Epoch,
		ServerSeq:    r.store.Seq(),
		Ops:          ops,
		Participants: participants,
		Self:         self,
	}
}

func (r *Room) publishInfo() {
	r.info.Store(&Info{
		ID:           r.ID,
		Epoch:        r.Epoch,
		State:        r.state.String(),
		ServerSeq:    r.store.Seq(),
		Elements:     r.store.Len(),
		Participants: r.presence.Len(),
		Online:       r.presence.OnlineCount(),
	})
}

// generateRandomID generates a random ID for a room epoch.
func generateRandomID() string {
	const idLength = 16
	const idChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, idLength)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}

	for i := 0; i < idLength; i++ {
		b[i] = idChars[int(b[i])%len(idChars)]
	}

	return string(b)
}
