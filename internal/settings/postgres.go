package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore keeps settings as one JSON document in the console_settings table.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

const (
	loadSettingsSQL = `SELECT body FROM console_settings WHERE id = 1`
	saveSettingsSQL = `INSERT INTO console_settings (id, body, updated_at) VALUES (1, $1, now())
ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`
)

func (p *PGStore) Load(ctx context.Context) (Settings, error) {
	var body []byte
	if err := p.db.QueryRow(ctx, loadSettingsSQL).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out := Defaults()
	if err := json.Unmarshal(body, &out); err != nil {
		return Settings{}, fmt.Errorf("%w: stored document: %w", ErrInvalidSettings, err)
	}
	return out, nil
}

func (p *PGStore) Save(ctx context.Context, s Settings) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := p.db.Exec(ctx, saveSettingsSQL, body); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
