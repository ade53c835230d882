package client

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginAndClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "AB12", body["code"])
			assert.Equal(t, "dev-1", body["device_id"])
			_ = json.NewEncoder(w).Encode(LoginResponse{Token: "tok", Session: Session{TeamID: "t1", DeviceID: "dev-1"}})
		case "/claims":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"problem is full","code":"full"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	require.NoError(t, err)

	resp, err := cli.Login(context.Background(), "AB12", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "t1", resp.Session.TeamID)

	_, err = cli.Claim(context.Background(), resp.Token, "p1")
	require.Error(t, err)
	var apiErr APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "problem is full", apiErr.Message)
	assert.True(t, IsCode(err, "full"))
}

func TestTeamReturnsRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/team", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"t1","name":"Alpha","code":"AB12","members":[{"name":"Ada","attendance":[true,false,false]}],"devices":1}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	require.NoError(t, err)
	team, err := cli.Team(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", team.Name)
	assert.Equal(t, 1, team.Devices)
	require.Len(t, team.Members, 1)
	assert.Equal(t, []bool{true, false, false}, team.Members[0].Attendance)
}

func TestDeleteTeamPolicyQuery(t *testing.T) {
	var gotQuery, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cli, err := New(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	require.NoError(t, cli.DeleteTeam(context.Background(), "admin", "t1", "orphan"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "policy=orphan", gotQuery)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required","code":"unauthorized"}`))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(Event{Type: EventSessionRevoked, TeamID: "t1", At: time.Now()})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	require.NoError(t, err)

	_, err = cli.Subscribe(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, IsCode(err, "unauthorized"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := cli.Subscribe(ctx, "tok")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventSessionRevoked, ev.Type)
		assert.Equal(t, "t1", ev.TeamID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}
