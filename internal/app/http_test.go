package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonplan/api/internal/directory"
	"lessonplan/api/internal/gate"
	"lessonplan/api/internal/history"
	"lessonplan/api/internal/room"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = env.do(t, http.MethodGet, "/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	body := decode[map[string]any](t, rr)
	assert.Equal(t, "not_ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "error", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/documents"},
		{http.MethodPost, "/api/liveblocks/auth"},
		{http.MethodGet, "/api/rooms/doc_1"},
	} {
		rr := env.do(t, tc.method, tc.path, "", map[string]string{"room": "doc_1"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code, tc.path)
		assert.Equal(t, "UNAUTHORIZED", decode[map[string]any](t, rr)["code"])
	}
}

func TestGateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/gate?path=/lessons/doc_1", "", nil)
	decision := decode[gate.Decision](t, rr)
	assert.Equal(t, gate.RedirectSignIn, decision.Action)
	assert.Equal(t, "/sign-in?redirect_url=%2Flessons%2Fdoc_1", decision.Location)

	rr = env.do(t, http.MethodGet, "/api/gate?path=/lessons", "newcomer", nil)
	assert.Equal(t, gate.RedirectOnboarding, decode[gate.Decision](t, rr).Action)

	rr = env.do(t, http.MethodGet, "/api/gate?path=/onboarding", "owner", nil)
	assert.Equal(t, gate.RedirectHome, decode[gate.Decision](t, rr).Action)

	rr = env.do(t, http.MethodGet, "/api/gate?path=/sign-in", "", nil)
	assert.Equal(t, gate.Allow, decode[gate.Decision](t, rr).Action)
}

func TestLiveblocksAuth(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")

	rr := env.do(t, http.MethodPost, "/api/liveblocks/auth", "stranger", map[string]string{"room": doc.ID})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/liveblocks/auth", "owner", map[string]string{"room": "doc_missing"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/liveblocks/auth", "owner", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/liveblocks/auth", "owner", map[string]string{"room": doc.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode[map[string]any](t, rr)
	assert.Equal(t, doc.ID, body["room"])
	assert.Equal(t, []any{"room:write", "room:presence:write"}, body["perms"])

	claims, err := env.service.ParseRoomGrant(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "owner", claims.Sub)
}

func TestBloqLifecycleOverREST(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	base := "/api/rooms/" + doc.ID

	rr := env.do(t, http.MethodPost, base+"/bloqs", "owner", map[string]string{"type": "objective"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[room.Bloq](t, rr)
	assert.Equal(t, 0, first.Order)

	rr = env.do(t, http.MethodPost, base+"/bloqs", "owner", map[string]string{"type": "activity"})
	second := decode[room.Bloq](t, rr)
	assert.Equal(t, 1, second.Order)

	rr = env.do(t, http.MethodPost, base+"/bloqs", "owner", map[string]string{"type": "poem"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPatch, base+"/bloqs/"+second.ID, "owner", map[string]string{"content": "Build a cell model"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodDelete, base+"/bloqs/"+first.ID, "owner", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// Updating a removed bloq is a silent no-op.
	rr = env.do(t, http.MethodPatch, base+"/bloqs/"+first.ID, "owner", map[string]string{"title": "ghost"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, base, "owner", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	snapshot := decode[room.Snapshot](t, rr)
	require.Len(t, snapshot.Bloqs, 1)
	assert.Equal(t, second.ID, snapshot.Bloqs[0].ID)
	assert.Equal(t, 1, snapshot.Bloqs[0].Order)
	assert.Equal(t, "Build a cell model", snapshot.Bloqs[0].Content)

	rr = env.do(t, http.MethodPost, base+"/bloqs", "owner", map[string]string{"type": "text"})
	third := decode[room.Bloq](t, rr)
	rr = env.do(t, http.MethodPost, base+"/bloqs/"+third.ID+"/move", "owner", map[string]int{"index": 0})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decode[struct {
		Bloqs []room.Bloq `json:"bloqs"`
	}](t, rr)
	require.Len(t, moved.Bloqs, 2)
	assert.Equal(t, third.ID, moved.Bloqs[0].ID)
	assert.Equal(t, 0, moved.Bloqs[0].Order)
	assert.Equal(t, 1, moved.Bloqs[1].Order)

	rr = env.do(t, http.MethodPost, base+"/bloqs/"+third.ID+"/move", "owner", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestReadOnlyCollaboratorCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	rr := env.do(t, http.MethodPut, "/api/documents/"+doc.ID+"/access", "owner", map[string]any{
		"userId":       "reader",
		"capabilities": []string{"room:read", "room:presence:write"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/api/rooms/"+doc.ID, "reader", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/rooms/"+doc.ID+"/bloqs", "reader", map[string]string{"type": "text"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPatch, "/api/rooms/"+doc.ID+"/plan", "reader", map[string]string{"title": "Mine now"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/rooms/"+doc.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPlanTitleSyncsToMetadata(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")

	for _, title := range []string{"C", "Ce", "Cell division"} {
		rr := env.do(t, http.MethodPatch, "/api/rooms/"+doc.ID+"/plan", "owner", map[string]string{"title": title})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr := env.do(t, http.MethodPatch, "/api/rooms/"+doc.ID+"/plan", "owner", map[string]string{"description": "Mitosis"})
	plan := decode[room.LessonPlan](t, rr)
	assert.Equal(t, "Cell division", plan.Title)
	assert.Equal(t, "Mitosis", plan.Description)

	assert.Eventually(t, func() bool {
		return env.store.title(doc.ID) == "Cell division"
	}, time.Second, 10*time.Millisecond)
}

func TestDocumentListingAndAccessManagement(t *testing.T) {
	env := newTestEnv(t)
	mine := env.createDocument(t, "owner", "Cells")
	shared := env.createDocument(t, "colleague", "Atoms")

	rr := env.do(t, http.MethodPut, "/api/documents/"+shared.ID+"/access", "colleague", map[string]any{
		"userId": "owner", "capabilities": []string{"room:write"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/documents", "owner", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listing := decode[directory.Listing](t, rr)
	require.Len(t, listing.Mine, 1)
	require.Len(t, listing.Shared, 1)
	assert.Equal(t, mine.ID, listing.Mine[0].ID)
	assert.Equal(t, shared.ID, listing.Shared[0].ID)

	rr = env.do(t, http.MethodGet, "/api/documents/"+shared.ID+"/access", "owner", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/documents/"+shared.ID+"/access/owner", "colleague", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "/api/documents", "owner", nil)
	assert.Empty(t, decode[directory.Listing](t, rr).Shared)
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/documents/search", "owner", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/documents/search?q=cells", "owner", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDeleteDocumentOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	require.NoError(t, env.service.GrantAccess(context.Background(), fakeIdentity("owner"), doc.ID, "editor", []string{"room:write"}))

	rr := env.do(t, http.MethodDelete, "/api/documents/"+doc.ID, "editor", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/documents/"+doc.ID, "owner", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/rooms/"+doc.ID, "owner", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistoryAndExport(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "owner", "Cells")
	base := "/api/documents/" + doc.ID

	rr := env.do(t, http.MethodGet, base+"/history", "owner", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[struct {
		Commits []history.Commit `json:"commits"`
	}](t, rr).Commits)

	env.do(t, http.MethodPost, "/api/rooms/"+doc.ID+"/bloqs", "owner", map[string]string{"type": "objective"})
	rr = env.do(t, http.MethodPost, base+"/history", "owner", map[string]string{"message": "First draft"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	saved := decode[struct {
		Commit  history.Commit `json:"commit"`
		Created bool           `json:"created"`
	}](t, rr)
	assert.True(t, saved.Created)

	rr = env.do(t, http.MethodPost, base+"/history", "owner", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	env.do(t, http.MethodPatch, "/api/rooms/"+doc.ID+"/plan", "owner", map[string]string{"title": "Cells v2"})

	rr = env.do(t, http.MethodPost, base+"/export", "owner", map[string]string{"format": "html"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "Cells-v2.html")
	assert.Contains(t, rr.Body.String(), "<h1>Cells v2</h1>")

	rr = env.do(t, http.MethodPost, base+"/export", "owner", map[string]string{"format": "html", "version": saved.Commit.Hash})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "<h1>Cells</h1>")

	rr = env.do(t, http.MethodPost, base+"/export", "owner", map[string]string{"format": "rtf"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, base+"/export", "stranger", map[string]string{"format": "html"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestProxyRouteWithoutForwarder(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/proxy/v1/things", "owner", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	env.server.proxy = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr = env.do(t, http.MethodGet, "/api/proxy/v1/things", "", nil)
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
