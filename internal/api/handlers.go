package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupsync/internal/server"
	"github.com/npezzotti/go-groupsync/internal/types"
)

const healthCheckTimeout = 2 * time.Second

type TimerTotalResponse struct {
	Kind     types.SubjectKind `json:"kind"`
	Id       int               `json:"id"`
	Baseline int64             `json:"baseline"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Printf("health check: %v", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// timerTotal serves the durable total of a timer subject, read through a
// group the caller belongs to, for clients that are not connected yet.
func (s *GoChatApp) timerTotal(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	query := r.URL.Query()
	groupId, err := strconv.Atoi(query.Get("group"))
	if err != nil || groupId <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}
	id, err := strconv.Atoi(query.Get("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	subject := types.TimerSubject{
		Kind: types.SubjectKind(query.Get("kind")),
		Id:   id,
	}

	baseline, err := s.cs.TimerBaseline(r.Context(), userId, groupId, subject)
	if err != nil {
		var verr validator.ValidationErrors
		switch {
		case errors.As(err, &verr):
			s.writeError(w, NewBadRequestError())
		case errors.Is(err, server.ErrNotGroupMember):
			s.writeError(w, NewForbiddenError())
		default:
			s.log.Printf("timer total: %v", err)
			s.writeError(w, NewStoreError(err))
		}
		return
	}

	s.writeJson(w, http.StatusOK, TimerTotalResponse{
		Kind:     subject.Kind,
		Id:       subject.Id,
		Baseline: baseline,
	})
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	account, err := s.db.GetAccount(r.Context(), id)
	if err != nil {
		s.log.Printf("get account %d: %v", id, err)
		s.writeError(w, NewStoreError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:       account.Id,
		Username: account.Username,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
