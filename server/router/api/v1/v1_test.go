package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/dialogstack/conductor/agent"
	"github.com/dialogstack/conductor/dialog"
	"github.com/dialogstack/conductor/internal/profile"
	"github.com/dialogstack/conductor/store"
	"github.com/dialogstack/conductor/store/db/sqlite"
)

type fakeOrchestrator struct {
	registered []agent.Message
	reply      *dialog.Dialog
	err        error
}

func (f *fakeOrchestrator) RegisterMessage(_ context.Context, msg agent.Message) (*dialog.Dialog, error) {
	f.registered = append(f.registered, msg)
	return f.reply, f.err
}

func newTestService(t *testing.T, orch orchestrator) (*APIV1Service, *echo.Echo) {
	t.Helper()
	p := &profile.Profile{
		Mode:   "prod",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "conductor_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))

	svc := &APIV1Service{
		Profile:         p,
		Store:           store.New(driver, p),
		agent:           orch,
		responseTimeout: 3 * time.Second,
		turnSemaphore:   semaphore.NewWeighted(maxConcurrentTurns),
	}
	e := echo.New()
	require.NoError(t, svc.RegisterRoutes(e))
	return svc, e
}

func postJSON(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func getJSON(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func repliedDialog(user string) *dialog.Dialog {
	d := dialog.New(user, ChannelType)
	now := time.Now().UTC()
	h := d.AppendHuman("hi", now, map[string]any{"debug_output": true})
	h.Hypotheses = append(h.Hypotheses, &dialog.Hypothesis{SkillName: "chitchat", Text: "hello!", Confidence: 0.8})
	d.AppendBot("hello!", "hello!", "chitchat", 0.8, now.Add(time.Second), nil, nil)
	return d
}

func TestHandleMessageReturnsBotReply(t *testing.T) {
	orch := &fakeOrchestrator{reply: repliedDialog("user-1")}
	_, e := newTestService(t, orch)

	rec := postJSON(e, "/", `{"user_id": "user-1", "payload": "hi", "location": "lab", "mood": "curious"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, orch.reply.ID, out["dialog_id"])
	assert.Equal(t, "user-1", out["user_id"])
	assert.Equal(t, "hello!", out["response"])
	assert.Equal(t, orch.reply.Tail().UttID, out["utt_id"])
	assert.NotContains(t, out, "active_skill")

	require.Len(t, orch.registered, 1)
	msg := orch.registered[0]
	assert.Equal(t, "hi", msg.Utterance)
	assert.Equal(t, ChannelType, msg.ChannelType)
	assert.Equal(t, "http", msg.UserDeviceType)
	assert.Equal(t, "lab", msg.Location)
	assert.True(t, msg.RequireResponse)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), msg.Deadline, time.Second)
	assert.Equal(t, map[string]any{"mood": "curious"}, msg.Attrs)
}

func TestHandleMessageDebugOutput(t *testing.T) {
	orch := &fakeOrchestrator{reply: repliedDialog("user-1")}
	svc, e := newTestService(t, orch)
	svc.Profile.Mode = "dev"

	rec := postJSON(e, "/", `{"user_id": "user-1", "payload": "hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "chitchat", out["active_skill"])
	debug, ok := out["debug_output"].(map[string]any)
	require.True(t, ok)
	hyps, ok := debug["hypotheses"].([]any)
	require.True(t, ok)
	require.Len(t, hyps, 1)
}

func TestHandleMessageRejectsMissingUser(t *testing.T) {
	_, e := newTestService(t, &fakeOrchestrator{})

	rec := postJSON(e, "/", `{"payload": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(e, "/", `"not an object"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessageCommandsDropDialog(t *testing.T) {
	orch := &fakeOrchestrator{}
	svc, e := newTestService(t, orch)
	ctx := context.Background()

	opened, err := svc.Store.GetOrCreateDialog(ctx, "user-1", ChannelType)
	require.NoError(t, err)
	require.NoError(t, svc.Store.SaveDialog(ctx, opened))

	rec := postJSON(e, "/", `{"user_id": "user-1", "payload": "/close"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
	assert.Empty(t, orch.registered)

	stored, err := svc.Store.GetDialog(ctx, opened.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
}

func TestDialogRoutes(t *testing.T) {
	svc, e := newTestService(t, &fakeOrchestrator{})
	ctx := context.Background()

	d := repliedDialog("user-1")
	require.NoError(t, svc.Store.SaveDialog(ctx, d))

	rec := getJSON(e, "/api/dialogs/"+d.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got dialog.Dialog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, d.ID, got.ID)
	require.Len(t, got.Utterances, 2)

	rec = getJSON(e, "/api/dialogs/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = getJSON(e, "/api/dialogs?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Dialogs []*store.DialogSummary `json:"dialogs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Dialogs, 1)
	assert.Equal(t, 2, listing.Dialogs[0].UtteranceCount)

	rec = getJSON(e, "/api/user_dialogs/user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Dialogs, 1)

	rec = getJSON(e, "/api/user_dialogs/somebody-else")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Dialogs)

	rec = getJSON(e, "/api/dialogs?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRatingRoutes(t *testing.T) {
	svc, e := newTestService(t, &fakeOrchestrator{})
	ctx := context.Background()

	d := repliedDialog("user-1")
	require.NoError(t, svc.Store.SaveDialog(ctx, d))

	rec := postJSON(e, "/rating/dialog", `{"dialog_id": "`+d.ID+`", "rating": 4.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(e, "/rating/utterance", `{"utt_id": "`+d.Tail().UttID+`", "rating": 1}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(e, "/rating/dialog", `{"dialog_id": "missing", "rating": 2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(e, "/rating/dialog", `{"dialog_id": "`+d.ID+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPing(t *testing.T) {
	_, e := newTestService(t, &fakeOrchestrator{})
	rec := getJSON(e, "/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"pong"`, rec.Body.String())
}
