package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupsync/internal/config"
	"github.com/npezzotti/go-groupsync/internal/database"
	"github.com/npezzotti/go-groupsync/internal/server"
	"github.com/npezzotti/go-groupsync/internal/stats"
	"github.com/npezzotti/go-groupsync/internal/testutil"
	"github.com/npezzotti/go-groupsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, db database.GroupSyncRepository) *GoChatApp {
	t.Helper()

	logger := testutil.TestLogger(t)
	cs, err := server.NewChatServer(logger, db, stats.NoopStats{}, config.DefaultSyncConfig())
	require.NoError(t, err, "failed to create chat server")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return NewGoChatApp(http.NewServeMux(), logger, cs, db, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		db := &database.MockGroupSyncRepository{}
		db.On("Ping", mock.Anything).Return(nil)
		app := &GoChatApp{log: testutil.TestLogger(t), db: db}

		rr := httptest.NewRecorder()
		app.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
		db.AssertExpectations(t)
	})

	t.Run("store unreachable", func(t *testing.T) {
		db := &database.MockGroupSyncRepository{}
		db.On("Ping", mock.Anything).Return(errors.New("connection refused"))
		app := &GoChatApp{log: testutil.TestLogger(t), db: db}

		rr := httptest.NewRecorder()
		app.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		var apiErr ApiError
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		db.AssertExpectations(t)
	})
}

func TestTimerTotal(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddGroupMember(1, 1, "alice")
	repo.AddGroupMember(2, 2, "bob")
	repo.SetTimerBaseline(types.TimerSubject{Kind: types.SubjectActivity, Id: 3}, 1500)
	app := newTestApp(t, repo)

	tcases := []struct {
		name     string
		query    string
		status   int
		baseline int64
	}{
		{
			name:     "known subject",
			query:    "group=1&kind=activity&id=3",
			status:   http.StatusOK,
			baseline: 1500,
		},
		{
			name:   "unknown kind",
			query:  "group=1&kind=stopwatch&id=3",
			status: http.StatusBadRequest,
		},
		{
			name:   "non numeric id",
			query:  "group=1&kind=user&id=abc",
			status: http.StatusBadRequest,
		},
		{
			name:   "zero id",
			query:  "group=1&kind=user&id=0",
			status: http.StatusBadRequest,
		},
		{
			name:   "missing group",
			query:  "kind=activity&id=3",
			status: http.StatusBadRequest,
		},
		{
			name:   "group of someone else",
			query:  "group=2&kind=activity&id=3",
			status: http.StatusForbidden,
		},
		{
			name:   "personal timer of a stranger",
			query:  "group=1&kind=user&id=2",
			status: http.StatusForbidden,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/timers?"+tc.query, nil)
			req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: userToken(t, 1)})

			app.mux.Handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			if tc.status != http.StatusOK {
				return
			}

			var resp TimerTotalResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tc.baseline, resp.Baseline)
			assert.Equal(t, types.SubjectActivity, resp.Kind)
			assert.Equal(t, 3, resp.Id)
		})
	}

	t.Run("unauthenticated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.mux.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/timers?group=1&kind=user&id=1", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestTimerTotal_StoreTimeout(t *testing.T) {
	db := &database.MockGroupSyncRepository{}
	db.On("ListGroupMembers", mock.Anything, 1).Return([]int(nil), context.DeadlineExceeded)
	app := newTestApp(t, db)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/timers?group=1&kind=activity&id=3", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: userToken(t, 1)})

	app.mux.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	db.AssertExpectations(t)
}

func TestServeWs(t *testing.T) {
	repo := database.NewMemoryRepository()
	repo.AddGroupMember(1, 1, "alice")
	app := newTestApp(t, repo)

	ts := httptest.NewServer(app.mux.Handler)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	dial := func(t *testing.T, userId int, origin string) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		header.Set("Cookie", tokenCookieKey+"="+userToken(t, userId))
		if origin != "" {
			header.Set("Origin", origin)
		}
		return websocket.DefaultDialer.Dial(wsURL, header)
	}

	t.Run("join over the socket", func(t *testing.T) {
		conn, _, err := dial(t, 1, "http://localhost:3000")
		require.NoError(t, err, "failed to dial")
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":   1,
			"join": map[string]any{"group_id": 1},
		}))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var resp server.ServerMessage
		for {
			var msg server.ServerMessage
			require.NoError(t, conn.ReadJSON(&msg), "expected a response to the join")
			if msg.Id == 1 && msg.Response != nil {
				resp = msg
				break
			}
		}

		assert.Equal(t, http.StatusOK, resp.Response.ResponseCode)
		assert.NotNil(t, resp.Response.Data)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, resp, err := dial(t, 99, "")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("foreign origin", func(t *testing.T) {
		_, resp, err := dial(t, 1, "http://evil.example.com")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("no token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
