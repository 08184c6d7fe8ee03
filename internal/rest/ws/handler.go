package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/auth"
	"github.com/Icerzack/excalisync/internal/models"
	"github.com/Icerzack/excalisync/internal/protocol"
	"github.com/Icerzack/excalisync/internal/room"
)

var ErrJoinRequired = errors.New("the first message must be a join")

type Config struct {
	// JoinTimeout bounds the wait for the first message
	JoinTimeout time.Duration

	// PingInterval is how often the server pings, PongWait how long it waits for any frame
	PingInterval time.Duration
	PongWait     time.Duration

	WriteTimeout   time.Duration
	MaxMessageSize int64

	// AllowedOrigins restricts upgrades, empty allows every origin
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

type WebSocketHandler struct {
	// upgrader is used to upgrade the HTTP connection to a WebSocket connection
	upgrader *websocket.Upgrader

	// manager owns the live rooms
	manager *room.Manager

	// identity resolves the user behind a join
	identity auth.Provider

	config Config
	logger *zap.Logger
}

func NewWebSocketHandler(manager *room.Manager, identity auth.Provider, config Config, logger *zap.Logger) *WebSocketHandler {
	config = config.withDefaults()
	return &WebSocketHandler{
		upgrader: &websocket.Upgrader{
			CheckOrigin: originChecker(config.AllowedOrigins),
		},
		manager:  manager,
		identity: identity,
		config:   config,
		logger:   logger,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(_ *http.Request) bool {
			return true
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (ws *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()
	ws.logger.Debug("Connection upgraded successfully", zap.String("remote", r.RemoteAddr))

	conn.SetReadLimit(ws.config.MaxMessageSize)
	s := &session{
		conn:       conn,
		handler:    ws,
		direct:     make(chan interface{}, 16),
		writerDone: make(chan struct{}),
		logger:     ws.logger,
	}
	s.serve(r.Context())
}

// session is one websocket connection bound to one participant of one room.
// After the join only the writer goroutine writes to conn.
type session struct {
	conn    *websocket.Conn
	handler *WebSocketHandler

	room        *room.Room
	sub         *room.Subscriber
	participant models.Participant

	// direct carries replies produced by the reader, such as decode errors
	direct     chan interface{}
	writerDone chan struct{}

	logger *zap.Logger
}

func (s *session) serve(ctx context.Context) {
	if err := s.join(ctx); err != nil {
		s.logger.Debug("Join failed", zap.Error(err))
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(s.writerDone)
		s.writeLoop(readerDone)
	}()

	s.readLoop(ctx)
	close(readerDone)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.room.Leave(leaveCtx, s.participant.ID); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		s.logger.Warn("Failed to leave room", zap.Error(err))
	}
	<-s.writerDone
	s.logger.Info("Connection closed")
}

func (s *session) join(ctx context.Context) error {
	cfg := s.handler.config
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.JoinTimeout))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		s.writeError(protocol.CodeMalformed, err.Error())
		return err
	}
	req, ok := msg.(*protocol.MessageJoinRequest)
	if !ok {
		s.writeError(protocol.CodeNotJoined, ErrJoinRequired.Error())
		return ErrJoinRequired
	}

	identity, err := s.handler.identity.Identify(ctx, req.Token, auth.Identity{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		code := protocol.CodeUnauthorized
		if !errors.Is(err, auth.ErrUnauthorized) {
			code = protocol.CodeInternal
		}
		s.writeError(code, err.Error())
		return err
	}

	r, sub, p, err := s.handler.manager.Join(ctx, room.JoinRequest{
		RoomID: req.RoomID,
		Participant: models.Participant{
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			Role:        identity.Role,
		},
		Create:       req.Create,
		LastKnownSeq: req.LastKnownSeq,
		Epoch:        req.Epoch,
	})
	if err != nil {
		s.writeError(room.ErrorCode(err), err.Error())
		return err
	}

	s.room, s.sub, s.participant = r, sub, p
	s.logger = s.logger.With(zap.String("roomID", r.ID), zap.String("participantID", p.ID))

	pongWait := cfg.PongWait
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	s.logger.Info("User joined", zap.String("userID", p.UserID))
	return nil
}

func (s *session) readLoop(ctx context.Context) {
	pongWait := s.handler.config.PongWait
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil || mt == websocket.CloseMessage {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.room.Touch(s.participant.ID)

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("Failed to decode message", zap.Error(err))
			s.replyDecodeError(err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.MessageOpRequest:
			if _, err := s.room.Submit(ctx, s.participant.ID, m.Op); errors.Is(err, room.ErrRoomClosed) {
				return
			}
		case *protocol.MessageCursorRequest:
			s.room.MoveCursor(s.participant.ID, models.Cursor{X: m.X, Y: m.Y})
		case *protocol.MessageResyncRequest:
			if err := s.room.Resync(ctx, s.participant.ID, m.LastKnownSeq, m.Epoch); err != nil {
				s.logger.Debug("Resync failed", zap.Error(err))
				if errors.Is(err, room.ErrRoomClosed) || errors.Is(err, room.ErrNotJoined) {
					return
				}
			}
		case *protocol.MessageHeartbeatRequest:
			// the touch above is all a heartbeat does
		case *protocol.MessageJoinRequest:
			s.reply(&protocol.MessageErrorResponse{
				Message: protocol.Message{Event: protocol.EventError},
				Code:    protocol.CodeMalformed,
				Reason:  "already joined",
			})
		}
	}
}

func (s *session) replyDecodeError(err error) {
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr.Event == protocol.EventOp {
		s.reply(&protocol.MessageRejectedResponse{
			Message:   protocol.Message{Event: protocol.EventRejected},
			ClientSeq: decodeErr.ClientSeq,
			Code:      protocol.CodeMalformed,
			Reason:    err.Error(),
		})
		return
	}
	s.reply(&protocol.MessageErrorResponse{
		Message: protocol.Message{Event: protocol.EventError},
		Code:    protocol.CodeMalformed,
		Reason:  err.Error(),
	})
}

func (s *session) reply(msg interface{}) {
	select {
	case s.direct <- msg:
	case <-s.writerDone:
	}
}

func (s *session) writeLoop(readerDone <-chan struct{}) {
	ping := time.NewTicker(s.handler.config.PingInterval)
	defer func() {
		ping.Stop()
		// unblocks the reader when the writer gives up first
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.sub.Messages():
			if !s.write(msg) {
				return
			}
		case <-s.sub.StaleSignal():
			// queued messages go out first so the client resyncs from the right point
			if !s.flush() {
				return
			}
			if !s.write(&protocol.MessageStaleResponse{
				Message:   protocol.Message{Event: protocol.EventStale},
				ServerSeq: s.sub.Delivered(),
			}) {
				return
			}
		case <-s.sub.CursorsReady():
			cursors := s.sub.TakeCursors()
			if len(cursors) == 0 {
				continue
			}
			if !s.write(&protocol.MessageCursorsResponse{
				Message: protocol.Message{Event: protocol.EventCursors},
				Cursors: cursors,
			}) {
				return
			}
		case msg := <-s.direct:
			if !s.write(msg) {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.handler.config.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.sub.Done():
			s.flush()
			deadline := time.Now().Add(s.handler.config.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"), deadline)
			return
		case <-readerDone:
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (s *session) flush() bool {
	for {
		select {
		case msg := <-s.sub.Messages():
			if !s.write(msg) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *session) write(msg interface{}) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.config.WriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug("Failed to write message", zap.Error(err))
		return false
	}
	return true
}

// writeError is only used before the writer goroutine starts.
func (s *session) writeError(code, reason string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.handler.config.WriteTimeout))
	_ = s.conn.WriteJSON(&protocol.MessageErrorResponse{
		Message: protocol.Message{Event: protocol.EventError},
		Code:    code,
		Reason:  reason,
	})
}
