package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Icerzack/excalisync/internal/export"
	"github.com/Icerzack/excalisync/internal/protocol"
	"github.com/Icerzack/excalisync/internal/room"
)

type api struct {
	manager *room.Manager
	logger  *zap.Logger
}

func (a *api) listRooms(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.manager.Rooms())
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	s, err := a.manager.Snapshot(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *api) exportPDF(w http.ResponseWriter, r *http.Request) {
	s, err := a.manager.Snapshot(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	// rendered fully before the status line so a failure is still a 500
	var buf bytes.Buffer
	if err := export.PDF(&buf, s); err != nil {
		a.logger.Error("Failed to render pdf", zap.String("roomID", s.RoomID), zap.Error(err))
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+s.RoomID+`.pdf"`)
	_, _ = w.Write(buf.Bytes())
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrNoSuchRoom):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrRoomClosed):
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, protocol.MessageErrorResponse{
		Message: protocol.Message{Event: protocol.EventError},
		Code:    room.ErrorCode(err),
		Reason:  err.Error(),
	})
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug("Request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", m.Code),
				zap.Duration("duration", m.Duration),
				zap.Int64("written", m.Written),
			)
		})
	}
}
