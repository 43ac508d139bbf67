package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/config"
	"guidance-engine/internal/model"
	"guidance-engine/internal/transport"
)

var _ transport.Transport = (*Postgres)(nil)

// openTestDB connects to the database named by APP_TEST_POSTGRES_HOST and
// friends, skipping when none is configured.
func openTestDB(t *testing.T) *Postgres {
	t.Helper()
	host := os.Getenv("APP_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("APP_TEST_POSTGRES_HOST not set")
	}
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	cfg.Postgres.Host = host
	cfg.Postgres.User = os.Getenv("APP_TEST_POSTGRES_USER")
	cfg.Postgres.Password = os.Getenv("APP_TEST_POSTGRES_PASSWORD")
	cfg.Postgres.DBName = os.Getenv("APP_TEST_POSTGRES_DB")

	ctx := context.Background()
	pg, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))
	return pg
}

func TestPostgres_PublishListAndTrack(t *testing.T) {
	pg := openTestDB(t)
	ctx := context.Background()
	contentID := "c-" + uuid.NewString()
	userID := "u-" + uuid.NewString()

	def := model.Definition{
		ID:        contentID + "-v1",
		ContentID: contentID,
		Type:      model.TypeTour,
		Steps:     []model.Step{{Cvid: "s1", Type: model.StepModal}},
	}
	require.NoError(t, pg.Publish(ctx, def, 0))
	require.NoError(t, pg.RefreshContents(ctx))
	got, ok := pg.Contents().Latest(contentID)
	require.True(t, ok)
	assert.Equal(t, def.ID, got.ID)

	require.NoError(t, pg.UpsertUser(ctx, model.User{ID: userID, Attributes: map[string]any{"plan": "pro"}}))
	require.NoError(t, pg.UpsertCompany(ctx, model.Company{ID: "co-" + userID, UserID: userID}))

	sess, err := pg.CreateSession(ctx, model.SessionRequest{ContentID: contentID, VersionID: def.ID, UserID: userID})
	require.NoError(t, err)
	require.NoError(t, pg.TrackEvent(ctx, model.Event{
		SessionID: sess.ID, ContentID: contentID, Name: model.EventFlowStepSeen,
		Data: map[string]any{"stepCvid": "s1"},
	}))

	defs, err := pg.ListContents(ctx, userID)
	require.NoError(t, err)
	var mine *model.Definition
	for i := range defs {
		if defs[i].ContentID == contentID {
			mine = &defs[i]
		}
	}
	require.NotNil(t, mine)
	require.NotNil(t, mine.LatestSession)
	assert.Equal(t, sess.ID, mine.LatestSession.ID)
	assert.True(t, mine.LatestSession.Has(model.EventFlowStepSeen))
	assert.Equal(t, "s1", mine.LatestSession.Events(model.EventFlowStepSeen)[0]["stepCvid"])
}
