package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"guidance-engine/internal/config"
	"guidance-engine/internal/model"
)

//go:embed schema.sql
var schema string

// ChangeChannel is the NOTIFY channel raised whenever a content version changes.
const ChangeChannel = "content_change"

// Postgres is the content server backed by a Postgres database. It satisfies
// transport.Transport. Published definitions are cached in memory and only
// reloaded by RefreshContents; sessions are always read fresh.
type Postgres struct {
	pool     *pgxpool.Pool
	contents *ContentCache
	now      func() time.Time
}

func New(ctx context.Context, cfg config.Config) (*Postgres, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Postgres{pool: pool, contents: NewContentCache(), now: time.Now}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and the change trigger if they are missing.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Contents exposes the published-definition cache.
func (s *Postgres) Contents() *ContentCache { return s.contents }

// RefreshContents reloads every published definition into the cache.
func (s *Postgres) RefreshContents(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, definition
		FROM content_versions
		WHERE published
		ORDER BY position, content_id
	`)
	if err != nil {
		return fmt.Errorf("query contents: %w", err)
	}
	defer rows.Close()

	var defs []model.Definition
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan content: %w", err)
		}
		var d model.Definition
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode content %s: %w", id, err)
		}
		d.ID = id
		d.LatestSession = nil
		defs = append(defs, d)
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	s.contents.Replace(defs)
	return nil
}

// Publish stores d as the published version of its content, unpublishing
// whatever version was live before.
func (s *Postgres) Publish(ctx context.Context, d model.Definition, position int) error {
	if d.ID == "" || d.ContentID == "" {
		return errors.New("publish: definition needs id and contentId")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode content %s: %w", d.ID, err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE content_versions SET published = FALSE WHERE content_id = $1 AND published AND id <> $2`,
			d.ContentID, d.ID); err != nil {
			return fmt.Errorf("unpublish %s: %w", d.ContentID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO content_versions (id, content_id, position, published, definition)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT (id) DO UPDATE
			SET position = EXCLUDED.position, published = TRUE, definition = EXCLUDED.definition
		`, d.ID, d.ContentID, position, raw); err != nil {
			return fmt.Errorf("publish %s: %w", d.ID, err)
		}
		return nil
	})
}

// PublishTheme inserts or replaces th. Only one theme stays default.
func (s *Postgres) PublishTheme(ctx context.Context, th model.Theme) error {
	settings, err := jsonObject(th.Settings)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if th.IsDefault {
			if _, err := tx.Exec(ctx, `UPDATE themes SET is_default = FALSE WHERE id <> $1`, th.ID); err != nil {
				return fmt.Errorf("clear default theme: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO themes (id, name, is_default, settings)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, is_default = EXCLUDED.is_default, settings = EXCLUDED.settings
		`, th.ID, th.Name, th.IsDefault, settings); err != nil {
			return fmt.Errorf("publish theme %s: %w", th.ID, err)
		}
		return nil
	})
}

func (s *Postgres) UpsertUser(ctx context.Context, u model.User) error {
	attrs, err := jsonObject(u.Attributes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, anonymous, attributes, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET anonymous = EXCLUDED.anonymous, attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at
	`, u.ID, u.Anonymous, attrs, s.now())
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *Postgres) UpsertCompany(ctx context.Context, c model.Company) error {
	attrs, err := jsonObject(c.Attributes)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO companies (id, attributes, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE
			SET attributes = EXCLUDED.attributes, updated_at = EXCLUDED.updated_at
		`, c.ID, attrs, s.now()); err != nil {
			return fmt.Errorf("upsert company %s: %w", c.ID, err)
		}
		if c.UserID == "" {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO company_users (company_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, c.ID, c.UserID); err != nil {
			return fmt.Errorf("link company %s: %w", c.ID, err)
		}
		return nil
	})
}

// ListContents returns the cached published definitions with the user's
// latest session for each one attached.
func (s *Postgres) ListContents(ctx context.Context, userID string) ([]model.Definition, error) {
	if !s.contents.Loaded() {
		if err := s.RefreshContents(ctx); err != nil {
			return nil, err
		}
	}
	defs := s.contents.All()
	if len(defs) == 0 {
		return defs, nil
	}

	sessions, err := s.latestSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if ss, ok := sessions[defs[i].ContentID]; ok {
			defs[i].LatestSession = ss
		}
	}
	return defs, nil
}

func (s *Postgres) latestSessions(ctx context.Context, userID string) (map[string]*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (s.content_id)
		       s.id, s.content_id, s.version_id, s.created_at
		FROM sessions s
		WHERE s.user_id = $1
		ORDER BY s.content_id, s.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	byContent := map[string]*model.Session{}
	byID := map[string]*model.Session{}
	var ids []string
	for rows.Next() {
		ss := &model.Session{}
		if err := rows.Scan(&ss.ID, &ss.ContentID, &ss.VersionID, &ss.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		byContent[ss.ContentID] = ss
		byID[ss.ID] = ss
		ids = append(ids, ss.ID)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(ids) == 0 {
		return byContent, nil
	}

	rows, err = s.pool.Query(ctx, `
		SELECT session_id, id, name, data, created_at
		FROM session_events
		WHERE session_id = ANY($1)
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sessionID, id, name string
			data                []byte
			at                  sql.NullTime
		)
		if err := rows.Scan(&sessionID, &id, &name, &data, &at); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev := model.BizEvent{ID: id, EventName: model.EventName(name), CreatedAt: at.Time}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event %s: %w", id, err)
			}
		}
		if ss, ok := byID[sessionID]; ok {
			ss.BizEvents = append(ss.BizEvents, ev)
		}
	}
	return byContent, rows.Err()
}

func (s *Postgres) ListThemes(ctx context.Context) ([]model.Theme, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, is_default, settings FROM themes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query themes: %w", err)
	}
	defer rows.Close()

	var out []model.Theme
	for rows.Next() {
		var (
			th  model.Theme
			raw []byte
		)
		if err := rows.Scan(&th.ID, &th.Name, &th.IsDefault, &raw); err != nil {
			return nil, fmt.Errorf("scan theme: %w", err)
		}
		if err := json.Unmarshal(raw, &th.Settings); err != nil {
			return nil, fmt.Errorf("decode theme %s: %w", th.ID, err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateSession(ctx context.Context, req model.SessionRequest) (*model.Session, error) {
	ss := &model.Session{
		ID:        uuid.NewString(),
		ContentID: req.ContentID,
		VersionID: req.VersionID,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, content_id, version_id, user_id, reason, step_cvid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ss.ID, ss.ContentID, ss.VersionID, req.UserID, req.Reason, req.StepCvid, ss.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", req.ContentID, err)
	}
	return ss, nil
}

func (s *Postgres) TrackEvent(ctx context.Context, e model.Event) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("encode event %s: %w", e.Name, err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_events (id, session_id, content_id, name, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), e.SessionID, e.ContentID, string(e.Name), data, s.now().UTC())
	if err != nil {
		return fmt.Errorf("track %s on %s: %w", e.Name, e.SessionID, err)
	}
	return nil
}

func (s *Postgres) ListenChannel() string {
	return ChangeChannel
}

func (s *Postgres) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}

func jsonObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return raw, nil
}
