package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ConfigStore reads the app.system_config key/value table. Values are raw
// JSON; typed decoding happens in the config package.
type ConfigStore struct {
	db Querier
}

func (s *ConfigStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM app.system_config WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *ConfigStore) All(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM app.system_config`)
	if err != nil {
		return nil, fmt.Errorf("load system config: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
