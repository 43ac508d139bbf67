package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/config"
	"guidance-engine/internal/env"
	"guidance-engine/internal/storage"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Content.FixturePath = "../../fixture/testdata/bundle.yaml"
	cfg.Identity.UserID = "u1"
	return cfg
}

func TestBuild_InMemoryCollaborators(t *testing.T) {
	rt, err := Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Postgres)
	require.NotNil(t, rt.Memory)
	assert.IsType(t, &storage.MemoryKV{}, rt.Storage)
	assert.IsType(t, &env.Fake{}, rt.Page)
	assert.Equal(t, 1, rt.Pending.Len())
}

func TestBuild_BadFixture(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Content.FixturePath = "testdata/nope.yaml"
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServe_LoadsContentAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Build(ctx, memoryConfig(t))
	require.NoError(t, err)
	defer rt.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Serve(ctx) }()

	require.Eventually(t, func() bool {
		started := false
		err := rt.Scheduler.Call(ctx, func() {
			it, ok := rt.Orch.Item("onboarding")
			started = ok && it.IsStarted()
		})
		return err == nil && started
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "u1", rt.Orch.User().ID)
	_, ok := rt.Memory.User("u1")
	assert.True(t, ok)

	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/contents/onboarding/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"checklist"`)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
