// Copyright 2024-2026 Aiku AI

// Package database is the persistent store of the relay: channels, users,
// canonical messages, message mappings and the message change outbox.
package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mattermost-matrix-relay/pkg/database/upgrades"
)

// Config is the database section of the relay configuration.
type Config struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Database wraps a dbutil.Database with typed query helpers for every table.
type Database struct {
	*dbutil.Database

	Channel *ChannelQuery
	User    *UserQuery
	Message *MessageQuery
	Mapping *MappingQuery
	Change  *ChangeQuery
}

// New wraps an already opened dbutil.Database.
func New(db *dbutil.Database, log zerolog.Logger) *Database {
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log)
	changes := &ChangeQuery{dbutil.MakeQueryHelper(db, newChange)}
	return &Database{
		Database: db,
		Channel:  &ChannelQuery{dbutil.MakeQueryHelper(db, newChannel)},
		User:     &UserQuery{dbutil.MakeQueryHelper(db, newUser)},
		Message:  &MessageQuery{QueryHelper: dbutil.MakeQueryHelper(db, newMessage), changes: changes},
		Mapping:  &MappingQuery{dbutil.MakeQueryHelper(db, newMapping)},
		Change:   changes,
	}
}

// Open connects to the configured database and runs all pending schema upgrades.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Database, error) {
	raw, err := dbutil.NewWithDialect(cfg.URI, cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		raw.RawDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		raw.RawDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db := New(raw, log)
	if err = db.Upgrade(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, nil
}
