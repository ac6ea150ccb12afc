package storage

import (
	"fmt"

	"liveclass/common/config"
)

// NewStore creates a Store for the configured driver.
//
// For SQLite the path defaults to "liveclass.db"; for PostgreSQL the DSN is
// taken from the config or built from its discrete fields.
//
//	cfg := &config.DatabaseConfig{Driver: "postgres", Host: "localhost", Name: "liveclass"}
//	store, err := NewStore(cfg)
func NewStore(cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}

	switch driver := cfg.EffectiveDriver(); driver {
	case "sqlite", "sqlite3", "modernc":
		path := cfg.BuildDSN()
		if path == "" {
			path = "liveclass.db"
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "postgres", "postgresql":
		s, err := NewPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", driver)
	}
}
