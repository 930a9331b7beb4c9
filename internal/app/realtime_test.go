package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonplan/api/internal/room"
)

func dialRoom(t *testing.T, srv *httptest.Server, roomID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/rooms/" + roomID + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

// readUntil reads frames until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(serverMessage) bool) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func grantFor(t *testing.T, env *testEnv, userID, roomID string) string {
	t.Helper()
	token, _, err := env.service.IssueRoomGrant(context.Background(), fakeIdentity(userID), roomID)
	require.NoError(t, err)
	return token
}

func TestRoomSocketRejectsBadGrant(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	other := env.createDocument(t, "owner", "Atoms")
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	_, resp, err := dialRoom(t, srv, doc.ID, "not-a-grant")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dialRoom(t, srv, doc.ID, grantFor(t, env, "owner", other.ID))
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRoomSocketSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	require.NoError(t, env.service.GrantAccess(context.Background(), fakeIdentity("owner"), doc.ID, "reader", []string{"room:read", "room:presence:write"}))
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	writer, _, err := dialRoom(t, srv, doc.ID, grantFor(t, env, "owner", doc.ID))
	require.NoError(t, err)
	defer writer.Close()

	first := readUntil(t, writer, func(m serverMessage) bool { return m.Type == "snapshot" })
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, "Cells", first.Snapshot.Plan.Title)
	assert.True(t, *first.CanEdit)
	assert.Equal(t, 1, env.store.touches(doc.ID))

	reader, _, err := dialRoom(t, srv, doc.ID, grantFor(t, env, "reader", doc.ID))
	require.NoError(t, err)
	defer reader.Close()
	joined := readUntil(t, reader, func(m serverMessage) bool { return m.Type == "snapshot" })
	assert.False(t, *joined.CanEdit)
	require.Len(t, joined.Snapshot.Others, 1)
	assert.Equal(t, "owner", joined.Snapshot.Others[0].User.ID)

	require.NoError(t, writer.WriteJSON(clientMessage{Type: "addBloq", RequestID: "r1", Kind: "activity"}))
	ack := readUntil(t, writer, func(m serverMessage) bool { return m.Type == "ack" && m.RequestID == "r1" })
	require.NotNil(t, ack.Bloq)
	assert.Equal(t, room.KindActivity, ack.Bloq.Type)
	assert.Equal(t, 0, ack.Bloq.Order)

	added := readUntil(t, reader, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventBloqAdded
	})
	require.Len(t, added.Bloqs, 1)
	assert.Equal(t, ack.Bloq.ID, added.Bloqs[0].ID)

	require.NoError(t, reader.WriteJSON(clientMessage{Type: "removeBloq", RequestID: "r2", BloqID: ack.Bloq.ID}))
	denied := readUntil(t, reader, func(m serverMessage) bool { return m.RequestID == "r2" })
	assert.Equal(t, "error", denied.Type)
	assert.Equal(t, "FORBIDDEN", denied.Code)

	cursor := &room.Cursor{X: 10, Y: 20}
	require.NoError(t, reader.WriteJSON(clientMessage{Type: "presence", Presence: &room.PresenceUpdate{Cursor: cursor}}))
	moved := readUntil(t, writer, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventPresenceUpdated && len(m.Others) == 1 && m.Others[0].Cursor != nil
	})
	assert.Equal(t, cursor, moved.Others[0].Cursor)

	require.NoError(t, writer.WriteJSON(clientMessage{Type: "ping", RequestID: "p1"}))
	readUntil(t, writer, func(m serverMessage) bool { return m.Type == "pong" && m.RequestID == "p1" })

	require.NoError(t, writer.WriteJSON(clientMessage{Type: "shout", RequestID: "x"}))
	unknown := readUntil(t, writer, func(m serverMessage) bool { return m.RequestID == "x" })
	assert.Equal(t, "VALIDATION_ERROR", unknown.Code)

	title := "Cell biology"
	require.NoError(t, writer.WriteJSON(clientMessage{Type: "updateLessonPlan", RequestID: "r3", Plan: &room.LessonPlanPatch{Title: &title}}))
	planned := readUntil(t, reader, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventPlanUpdated
	})
	assert.Equal(t, title, planned.Plan.Title)
	assert.Eventually(t, func() bool { return env.store.title(doc.ID) == title }, time.Second, 10*time.Millisecond)

	require.NoError(t, reader.Close())
	left := readUntil(t, writer, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventPresenceLeft
	})
	assert.Empty(t, left.Others)

	require.NoError(t, writer.Close())
	assert.Eventually(t, func() bool {
		commits, err := env.history.History(doc.ID, 10)
		return err == nil && len(commits) == 1 && commits[0].Message == "Session ended"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRoomSocketDropsSilentClient(t *testing.T) {
	env := newTestEnv(t, room.WithPresenceTTL(300*time.Millisecond))
	doc := env.createDocument(t, "owner", "Cells")
	require.NoError(t, env.service.GrantAccess(context.Background(), fakeIdentity("owner"), doc.ID, "sleeper", []string{"room:read", "room:presence:write"}))
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	watcher, _, err := dialRoom(t, srv, doc.ID, grantFor(t, env, "owner", doc.ID))
	require.NoError(t, err)
	defer watcher.Close()
	readUntil(t, watcher, func(m serverMessage) bool { return m.Type == "snapshot" })

	// Never reads, so server pings go unanswered.
	silent, _, err := dialRoom(t, srv, doc.ID, grantFor(t, env, "sleeper", doc.ID))
	require.NoError(t, err)
	defer silent.Close()

	joined := readUntil(t, watcher, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventPresenceUpdated && len(m.Others) == 1
	})
	assert.Equal(t, "sleeper", joined.Others[0].User.ID)

	// The watcher keeps answering pings while it reads, so only the silent
	// connection is dropped.
	left := readUntil(t, watcher, func(m serverMessage) bool {
		return m.Type == "event" && m.Event.Type == room.EventPresenceLeft
	})
	assert.Empty(t, left.Others)

	observer := env.rooms.Attach(doc.ID, room.PresenceUser{ID: "observer"})
	others, err := observer.Others(context.Background())
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, "owner", others[0].User.ID)
}
