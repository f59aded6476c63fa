package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "relaybot/pkg/logx"
)

// ErrBadConfig wraps driver selection and connection setting problems.
var ErrBadConfig = errors.New("storage config")

// Open returns the repository for cfg.Driver with migrations applied.
// "memory" (or empty) keeps everything in process and is lost on exit.
func Open(cfg Config, log logx.Logger, opts ...Option) (Repository, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		log.Warn("using in-memory storage; registrations and queued broadcasts are lost on restart")
		return newMemoryStore(o.now), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, o)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log, o)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrBadConfig, driver)
	}
}
