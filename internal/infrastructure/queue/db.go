// Package queue is the swarm task queue, capability-aware message bus, and
// their gorm-backed persistence (C5). The schema is three tables owned by the
// task state machine (SwarmTaskModel) and the message bus
// (MessageModel/ReadCursorModel).
package queue

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConfig selects the swarm/message-bus backing store.
type DBConfig struct {
	Type string // sqlite | postgres
	DSN  string
}

// Open connects to the configured dialector and runs the schema migration.
func Open(cfg DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to swarm/message store: %w", err)
	}

	if err := db.AutoMigrate(&SwarmTaskModel{}, &MessageModel{}, &ReadCursorModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate swarm/message store: %w", err)
	}

	return db, nil
}
