package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
)

const writeTimeout = 10 * time.Second

var (
	ErrDisconnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)

// ServerError is an error message received from the server.
type ServerError struct {
	Code   string
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Reason)
}

// permanent reports whether retrying the join can never succeed.
func (e *ServerError) permanent() bool {
	switch e.Code {
	case protocol.CodeNoSuchRoom, protocol.CodeForbidden, protocol.CodeUnauthorized, protocol.CodeMalformed:
		return true
	}
	return false
}

type Config struct {
	// URL is the websocket endpoint, for example ws://localhost:8080/ws
	URL string

	RoomID      string
	UserID      string
	DisplayName string
	Role        models.Role
	Token       string

	// Create lets the join create a missing room.
	Create bool

	HeartbeatInterval time.Duration

	// CursorInterval throttles outgoing cursor positions
	CursorInterval time.Duration

	HistoryDepth int

	HandshakeTimeout time.Duration

	// ReconnectInitial is the first backoff step, ReconnectMaxElapsed gives up
	// reconnecting after that long, zero retries until Close
	ReconnectInitial    time.Duration
	ReconnectMaxElapsed time.Duration

	Dialer *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CursorInterval <= 0 {
		c.CursorInterval = 50 * time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 100 * time.Millisecond
	}
	if c.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = c.HandshakeTimeout
		c.Dialer = &d
	}
	return c
}

// Client is a participant connection to one room. Local edits are applied
// optimistically and sent to the server; the replica follows the server's
// sequence and reconnects on its own when the connection drops.
type Client struct {
	config Config
	mirror *Mirror
	logger *zap.Logger

	historyMu sync.Mutex
	history   *History

	mu           sync.Mutex
	conn         *websocket.Conn
	self         models.Participant
	participants []models.Participant
	cursors      map[string]models.Cursor
	cursor       *models.Cursor
	err          error

	// writeMu serializes writes to conn, lastSent is the highest clientSeq written
	writeMu  sync.Mutex
	lastSent uint64

	// owned by the reader goroutine
	resyncing  bool
	resyncMark uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Dial connects and joins the room. It returns once the initial state has
// been received.
func Dial(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	config = config.withDefaults()
	c := &Client{
		config:  config,
		mirror:  NewMirror(),
		history: NewHistory(config.HistoryDepth),
		cursors: make(map[string]models.Cursor),
		logger:  logger.With(zap.String("roomID", config.RoomID)),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.connect(ctx); err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		c.run()
	}()
	go func() {
		defer c.wg.Done()
		c.pump()
	}()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.config.Dialer.DialContext(dialCtx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", c.config.URL, err)
	}

	join := &protocol.MessageJoinRequest{
		Message:      protocol.Message{Event: protocol.EventJoin},
		RoomID:       c.config.RoomID,
		UserID:       c.config.UserID,
		DisplayName:  c.config.DisplayName,
		Role:         c.config.Role,
		Token:        c.config.Token,
		Create:       c.config.Create,
		LastKnownSeq: c.mirror.Seq(),
		Epoch:        c.mirror.Epoch(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("error sending join: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("error reading join response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := protocol.DecodeServer(data)
	if err != nil {
		conn.Close()
		return err
	}

	resubmit := false
	gap := false
	switch m := msg.(type) {
	case *protocol.MessageErrorResponse:
		conn.Close()
		return &ServerError{Code: m.Code, Reason: m.Reason}
	case *protocol.MessageSnapshotResponse:
		c.joined(m.Self, m.Participants)
		// ops never sequenced before a full snapshot are gone for good
		c.mirror.Reset(m.Snapshot(), m.Epoch, false)
		c.logger.Debug("Joined with snapshot", zap.Uint64("serverSeq", m.ServerSeq))
	case *protocol.MessageDeltaResponse:
		c.joined(m.Self, m.Participants)
		c.mirror.SetEpoch(m.Epoch)
		if err := c.mirror.ReceiveAll(m.Ops); err != nil {
			gap = true
		}
		resubmit = true
		c.logger.Debug("Joined with delta", zap.Uint64("serverSeq", m.ServerSeq), zap.Int("ops", len(m.Ops)))
	default:
		conn.Close()
		return fmt.Errorf("unexpected join response %T: %w", msg, protocol.ErrInvalidMessage)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()
	c.resyncing = false

	if gap {
		c.resync()
	}
	if resubmit {
		// echoes in the delta already cleared what the server sequenced
		for _, op := range c.mirror.Unacknowledged() {
			if err := c.sendOp(op); err != nil {
				break
			}
		}
	}
	return nil
}

func (c *Client) joined(self *models.Participant, participants []models.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if self != nil {
		c.self = *self
		c.mirror.AddSelf(self.ID)
	}
	c.participants = participants
}

func (c *Client) run() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		err := c.readLoop(conn)
		c.disconnect(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("Connection lost, reconnecting", zap.Error(err))

		if err := c.reconnect(); err != nil {
			c.logger.Error("Failed to reconnect", zap.Error(err))
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		c.logger.Info("Reconnected", zap.Uint64("serverSeq", c.mirror.Seq()))
	}
}

func (c *Client) reconnect() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInitial
	b.MaxElapsedTime = c.config.ReconnectMaxElapsed

	return backoff.Retry(func() error {
		err := c.connect(c.ctx)
		var serverErr *ServerError
		if errors.As(err, &serverErr) && serverErr.permanent() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Debug("Reconnect attempt failed", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, c.ctx))
}

func (c *Client) disconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn("Failed to decode message", zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg interface{}) {
	switch m := msg.(type) {
	case *protocol.MessageSequencedOpResponse:
		if err := c.mirror.Receive(m.Op); err != nil {
			c.logger.Debug("Sequence gap", zap.Error(err))
			c.resync()
		}
	case *protocol.MessageDeltaResponse:
		c.setParticipants(m.Participants)
		c.mirror.SetEpoch(m.Epoch)
		err := c.mirror.ReceiveAll(m.Ops)
		c.resynced()
		if err != nil {
			c.resync()
		}
	case *protocol.MessageSnapshotResponse:
		c.setParticipants(m.Participants)
		c.mirror.Reset(m.Snapshot(), m.Epoch, true)
		c.resynced()
	case *protocol.MessagePresenceResponse:
		c.setParticipants(m.Participants)
	case *protocol.MessageCursorsResponse:
		c.mu.Lock()
		for _, cur := range m.Cursors {
			c.cursors[cur.ParticipantID] = models.Cursor{X: cur.X, Y: cur.Y}
		}
		c.mu.Unlock()
	case *protocol.MessageRejectedResponse:
		if op, ok := c.mirror.Reject(m.ClientSeq); ok {
			c.logger.Debug("Operation rejected",
				zap.Uint64("clientSeq", m.ClientSeq),
				zap.String("elementID", op.ElementID),
				zap.String("code", m.Code))
		}
	case *protocol.MessageStaleResponse:
		c.logger.Debug("Marked stale", zap.Uint64("serverSeq", m.ServerSeq))
		c.resync()
	case *protocol.MessageErrorResponse:
		c.logger.Warn("Server error", zap.String("code", m.Code), zap.String("reason", m.Reason))
	}
}

// resync asks for everything after the confirmed sequence number. Pending
// ops written before the request are settled by the time the answer comes:
// sequenced ones are part of it, the others were rejected.
func (c *Client) resync() {
	if c.resyncing {
		return
	}
	c.writeMu.Lock()
	mark := c.lastSent
	err := c.writeLocked(&protocol.MessageResyncRequest{
		Message:      protocol.Message{Event: protocol.EventResync},
		LastKnownSeq: c.mirror.Seq(),
		Epoch:        c.mirror.Epoch(),
	})
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("Failed to request resync", zap.Error(err))
		return
	}
	c.resyncing = true
	c.resyncMark = mark
}

func (c *Client) resynced() {
	if !c.resyncing {
		return
	}
	c.resyncing = false
	if n := c.mirror.DropThrough(c.resyncMark); n > 0 {
		c.logger.Debug("Dropped settled operations", zap.Int("count", n))
	}
}

func (c *Client) setParticipants(participants []models.Participant) {
	if participants == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = participants

	present := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		present[p.ID] = struct{}{}
	}
	for id := range c.cursors {
		if _, ok := present[id]; !ok {
			delete(c.cursors, id)
		}
	}
}

// pump sends heartbeats and the latest cursor position.
func (c *Client) pump() {
	heartbeat := time.NewTicker(c.config.HeartbeatInterval)
	defer heartbeat.Stop()
	cursor := time.NewTicker(c.config.CursorInterval)
	defer cursor.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-heartbeat.C:
			_ = c.write(&protocol.MessageHeartbeatRequest{Message: protocol.Message{Event: protocol.EventHeartbeat}})
		case <-cursor.C:
			c.mu.Lock()
			pos := c.cursor
			c.cursor = nil
			c.mu.Unlock()
			if pos == nil {
				continue
			}
			_ = c.write(&protocol.MessageCursorRequest{
				Message: protocol.Message{Event: protocol.EventCursor},
				X:       pos.X,
				Y:       pos.Y,
			})
		}
	}
}

func (c *Client) sendOp(op models.Operation) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(&protocol.MessageOpRequest{
		Message: protocol.Message{Event: protocol.EventOp},
		Op:      op,
	}); err != nil {
		return err
	}
	if op.ClientSeq > c.lastSent {
		c.lastSent = op.ClientSeq
	}
	return nil
}

func (c *Client) write(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(msg)
}

func (c *Client) writeLocked(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Add creates an element, an empty id is filled with a new uuid.
func (c *Client) Add(el models.Element) (models.Operation, error) {
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	return c.submit(models.Operation{Type: models.OpAdd, ElementID: el.ID, Payload: &el})
}

// Update replaces the full state of an existing element.
func (c *Client) Update(el models.Element) (models.Operation, error) {
	return c.submit(models.Operation{Type: models.OpUpdate, ElementID: el.ID, Payload: &el})
}

func (c *Client) Delete(elementID string) (models.Operation, error) {
	return c.submit(models.Operation{Type: models.OpDelete, ElementID: elementID})
}

func (c *Client) Clear() (models.Operation, error) {
	return c.submit(models.Operation{Type: models.OpClear})
}

func (c *Client) submit(op models.Operation) (models.Operation, error) {
	if c.ctx.Err() != nil {
		return models.Operation{}, ErrClosed
	}
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	before := c.mirror.View()
	op, err := c.local(op)
	if err != nil {
		return models.Operation{}, err
	}
	c.history.Record(before)
	return op, nil
}

// local applies op optimistically and sends it. A send failure keeps the op
// pending, it is resubmitted or discarded after the reconnect.
func (c *Client) local(op models.Operation) (models.Operation, error) {
	op, err := c.mirror.Local(op)
	if err != nil {
		return models.Operation{}, err
	}
	if err := c.sendOp(op); err != nil {
		c.logger.Debug("Operation kept for reconnect", zap.Uint64("clientSeq", op.ClientSeq), zap.Error(err))
	}
	return op, nil
}

// Undo moves the canvas back to the state before the last local change.
func (c *Client) Undo() (bool, error) {
	return c.travel(c.history.Undo)
}

func (c *Client) Redo() (bool, error) {
	return c.travel(c.history.Redo)
}

func (c *Client) travel(step func([]models.Element) ([]models.Operation, bool)) (bool, error) {
	if c.ctx.Err() != nil {
		return false, ErrClosed
	}
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	ops, ok := step(c.mirror.View())
	if !ok {
		return false, nil
	}
	for _, op := range ops {
		if _, err := c.local(op); err != nil {
			// the canvas moved under us, skip what no longer applies
			c.logger.Debug("Skipping history operation", zap.String("elementID", op.ElementID), zap.Error(err))
		}
	}
	return true, nil
}

// MoveCursor records the pointer position, sent at most once per CursorInterval.
func (c *Client) MoveCursor(x, y float64) {
	c.mu.Lock()
	c.cursor = &models.Cursor{X: x, Y: y}
	c.mu.Unlock()
}

// Elements is the local view: confirmed state plus pending operations.
func (c *Client) Elements() []models.Element {
	return c.mirror.View()
}

func (c *Client) Confirmed() []models.Element {
	return c.mirror.Confirmed()
}

func (c *Client) Pending() []models.Operation {
	return c.mirror.Unacknowledged()
}

func (c *Client) Seq() uint64 {
	return c.mirror.Seq()
}

func (c *Client) Epoch() string {
	return c.mirror.Epoch()
}

func (c *Client) Self() models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) Participants() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Participant(nil), c.participants...)
}

// Cursors returns the last known cursor of every other participant.
func (c *Client) Cursors() []protocol.CursorPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.CursorPosition, 0, len(c.cursors))
	for id, cur := range c.cursors {
		out = append(out, protocol.CursorPosition{ParticipantID: id, X: cur.X, Y: cur.Y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// WaitFor blocks until elementID has no pending operation.
func (c *Client) WaitFor(ctx context.Context, elementID string) error {
	return c.mirror.WaitFor(ctx, elementID)
}

// WaitIdle blocks until every local operation is settled.
func (c *Client) WaitIdle(ctx context.Context) error {
	return c.mirror.WaitIdle(ctx)
}

// WaitSeq blocks until the replica has applied serverSeq.
func (c *Client) WaitSeq(ctx context.Context, serverSeq uint64) error {
	return c.mirror.WaitSeq(ctx, serverSeq)
}

// Done is closed when the client stops, after Close or when reconnecting gave up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why reconnecting gave up, nil while running or after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
