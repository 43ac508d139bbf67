package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/content"
	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
	"guidance-engine/internal/orchestrator"
	"guidance-engine/internal/rules"
	"guidance-engine/internal/scheduler"
	"guidance-engine/internal/storage"
	"guidance-engine/internal/transport"
)

type inlineLoop struct{ err error }

func (l inlineLoop) Call(_ context.Context, fn func()) error {
	if l.err != nil {
		return l.err
	}
	fn()
	return nil
}

type harness struct {
	srv *httptest.Server
	mem *transport.Memory
	o   *orchestrator.Orchestrator
}

func newHarness(t *testing.T, defs ...model.Definition) *harness {
	t.Helper()
	nop := zerolog.Nop()
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	mem := transport.NewMemory(clk.Now)
	mem.SetContents(defs)
	o := orchestrator.New(orchestrator.Options{
		Page:      env.NewFake("/app/home"),
		Storage:   storage.NewMemoryKV(),
		Transport: mem,
		Clock:     clk,
		Logger:    &nop,
	})
	t.Cleanup(o.Shutdown)
	srv := httptest.NewServer(Router(NewGuidanceHandler(o, inlineLoop{})))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, mem: mem, o: o}
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func modalTour(id string) model.Definition {
	return model.Definition{
		ID:        id + "-v1",
		ContentID: id,
		Type:      model.TypeTour,
		Steps:     []model.Step{{Cvid: "s1", Type: model.StepModal}},
	}
}

func manualTour(id string) model.Definition {
	d := modalTour(id)
	d.Config.EnabledAutoStartRules = true
	d.Config.AutoStartRules = []rules.Condition{{
		Type: rules.KindCurrentPage,
		Page: &rules.PageData{Includes: []string{"/never"}},
	}}
	return d
}

func checklistDef(id string) model.Definition {
	return model.Definition{
		ID:        id + "-v1",
		ContentID: id,
		Type:      model.TypeChecklist,
		Checklist: &model.ChecklistData{Items: []model.ChecklistItem{{ID: "i1"}, {ID: "i2"}}},
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIdentifyThenList(t *testing.T) {
	h := newHarness(t, modalTour("t1"), manualTour("t2"))

	resp := h.do(t, http.MethodPost, "/v1/identify", `{"userId":"u1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/v1/contents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []ContentSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)

	assert.Equal(t, "t1", got[0].ContentID)
	assert.Equal(t, "visible", got[0].State)
	assert.NotEmpty(t, got[0].SessionID)
	assert.True(t, got[0].Snapshot.OpenState)
	require.NotNil(t, got[0].Snapshot.Tour)
	assert.Equal(t, "s1", got[0].Snapshot.Tour.StepCvid)

	assert.Equal(t, "t2", got[1].ContentID)
	assert.Equal(t, "idle", got[1].State)
}

func TestIdentify_RejectsMissingUser(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/identify", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartAndDismiss(t *testing.T) {
	h := newHarness(t, modalTour("t1"), manualTour("t2"))
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/identify", `{"userId":"u1"}`).StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"dismiss idle content", http.MethodPost, "/v1/contents/t2/dismiss", http.StatusConflict},
		{"start unknown content", http.MethodPost, "/v1/contents/nope/start", http.StatusNotFound},
		{"start replaces the running tour", http.MethodPost, "/v1/contents/t2/start", http.StatusAccepted},
		{"replaced tour is gone", http.MethodGet, "/v1/contents/t1/snapshot", http.StatusNotFound},
		{"snapshot of running tour", http.MethodGet, "/v1/contents/t2/snapshot", http.StatusOK},
		{"dismiss running tour", http.MethodPost, "/v1/contents/t2/dismiss", http.StatusNoContent},
		{"dismissed tour is gone", http.MethodGet, "/v1/contents/t2/snapshot", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := h.do(t, tt.method, tt.path, "")
		assert.Equal(t, tt.want, resp.StatusCode, tt.name)
	}
	assert.Contains(t, h.mem.EventNames("t1"), model.EventFlowEnded)
	assert.Contains(t, h.mem.EventNames("t2"), model.EventFlowEnded)
}

func TestChecklistEndpoints(t *testing.T) {
	h := newHarness(t, checklistDef("c1"), manualTour("t1"))
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/identify", `{"userId":"u1"}`).StatusCode)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"click known task", "/v1/checklists/c1/items/i1/click", "", http.StatusNoContent},
		{"click unknown task", "/v1/checklists/c1/items/zz/click", "", http.StatusNotFound},
		{"click on a tour", "/v1/checklists/t1/items/i1/click", "", http.StatusUnprocessableEntity},
		{"expand", "/v1/checklists/c1/expand", `{"expanded":true}`, http.StatusNoContent},
		{"expand with bad body", "/v1/checklists/c1/expand", `nope`, http.StatusBadRequest},
		{"launcher endpoint on checklist", "/v1/launchers/c1/activate", "", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		resp := h.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, tt.want, resp.StatusCode, tt.name)
	}
	assert.Contains(t, h.mem.EventNames("c1"), model.EventChecklistTaskClicked)

	resp := h.do(t, http.MethodGet, "/v1/contents/c1/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap content.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.NotNil(t, snap.Checklist)
	assert.True(t, snap.Checklist.Expanded)
	require.Len(t, snap.Checklist.Items, 2)
	assert.True(t, snap.Checklist.Items[0].IsClicked)
}

func TestStoppedLoopIsUnavailable(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(Router(NewGuidanceHandler(h.o, inlineLoop{err: scheduler.ErrStopped})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/contents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
