package storage

import (
	"errors"
	"strings"

	logx "replybot/pkg/logx"
)

// Open initializes the configured store.
// An empty driver selects sqlite; "none" disables storage and returns ErrDisabled,
// since the publish queue cannot run without persistence.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("driver", "sqlite")))
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log.With(logx.String("driver", "postgres")))
	case "file", "memory":
		if driver == "memory" {
			cfg.Path = ""
		}
		return openFile(cfg, log.With(logx.String("driver", "file")))
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
