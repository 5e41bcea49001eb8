package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheodrd/httphelper/handler"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
	"failsafe-dispatch/internal/ws"
)

type triggerRequest struct {
	UserID string  `json:"user_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type claimRequest struct {
	ResponderID string `json:"responder_id"`
}

type heartbeatRequest struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	OnDuty bool    `json:"on_duty"`
	Online bool    `json:"online"`
}

type eventResponse struct {
	Event  *failsafe.Event   `json:"event"`
	Alerts []*failsafe.Alert `json:"alerts"`
}

// Dispatch state changes run to completion even if the caller goes away.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) createEvent() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var req triggerRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		ev, err := s.Service.Trigger(detached(r), req.UserID, gis.Point{Lat: req.Lat, Lng: req.Lng})
		if err != nil {
			return s.statusError(err)
		}
		return writeJSON(w, http.StatusCreated, ev)
	})
}

func (s *Server) getEvent() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		ev, alerts, err := s.Service.Event(r.Context(), r.PathValue("id"))
		if err != nil {
			return s.statusError(err)
		}
		if alerts == nil {
			alerts = []*failsafe.Alert{}
		}
		return writeJSON(w, http.StatusOK, eventResponse{Event: ev, Alerts: alerts})
	})
}

func (s *Server) resolveEvent() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		ev, err := s.Service.Resolve(detached(r), r.PathValue("id"))
		if err != nil {
			return s.statusError(err)
		}
		return writeJSON(w, http.StatusOK, ev)
	})
}

func (s *Server) acceptAlert() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var req claimRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		ev, err := s.Service.Accept(detached(r), r.PathValue("id"), req.ResponderID)
		if err != nil {
			return s.statusError(err)
		}
		return writeJSON(w, http.StatusOK, ev)
	})
}

func (s *Server) declineAlert() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var req claimRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		if err := s.Service.Decline(detached(r), r.PathValue("id"), req.ResponderID); err != nil {
			return s.statusError(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) responderAlerts() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		alerts, err := s.Service.ResponderAlerts(r.Context(), r.PathValue("id"))
		if err != nil {
			return s.statusError(err)
		}
		if alerts == nil {
			alerts = []*failsafe.Alert{}
		}
		return writeJSON(w, http.StatusOK, alerts)
	})
}

func (s *Server) heartbeat() http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var req heartbeatRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		err := s.Heartbeats.UpsertHeartbeat(r.Context(), failsafe.Heartbeat{
			ResponderID: r.PathValue("id"),
			Role:        failsafe.RoleResponder,
			Location:    gis.Point{Lat: req.Lat, Lng: req.Lng},
			Timestamp:   s.now(),
			OnDuty:      req.OnDuty,
			Online:      req.Online,
		})
		if err != nil {
			if errors.Is(err, failsafe.ErrInvalidLocation) {
				return handler.NewErrWithStatus(http.StatusBadRequest, err)
			}
			return s.statusError(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

// wsHandler upgrades a session of kind. Sessions are identified by the idParam query parameter, or
// get a random id when idParam is empty.
func (s *Server) wsHandler(kind ws.Kind, idParam string) http.HandlerFunc {
	return handler.Handler(func(w http.ResponseWriter, r *http.Request) error {
		id := uuid.NewString()
		if idParam != "" {
			id = r.URL.Query().Get(idParam)
			if id == "" {
				return handler.NewErrWithStatus(http.StatusBadRequest, fmt.Errorf("missing %s", idParam))
			}
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return handler.NewErrWithStatus(http.StatusInternalServerError, fmt.Errorf("websocket accept: %w", err))
		}

		s.WebsocketManager.HandleNewConnection(kind, id, conn)
		return nil
	})
}

// statusError maps dispatch errors onto HTTP statuses.
func (s *Server) statusError(err error) error {
	switch {
	case errors.Is(err, failsafe.ErrNotFound):
		return handler.NewErrWithStatus(http.StatusNotFound, err)
	case failsafe.IsConflict(err):
		return handler.NewErrWithStatus(http.StatusConflict, err)
	case errors.Is(err, failsafe.ErrInvalidRequest), errors.Is(err, failsafe.ErrInvalidLocation):
		return handler.NewErrWithStatus(http.StatusBadRequest, err)
	}
	s.logger.Error("request failed", "error", err)
	return handler.NewErrWithStatus(http.StatusInternalServerError, errors.New("internal error"))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return handler.NewErrWithStatus(http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
