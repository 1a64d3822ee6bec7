// Copyright 2024-2026 Aiku AI

package database

import (
	"database/sql"
	"time"
)

// Platform identifies one of the two bridged chat networks.
type Platform string

const (
	PlatformMattermost Platform = "mattermost"
	PlatformMatrix     Platform = "matrix"
)

// Other returns the platform on the opposite side of the bridge.
func (p Platform) Other() Platform {
	switch p {
	case PlatformMattermost:
		return PlatformMatrix
	case PlatformMatrix:
		return PlatformMattermost
	default:
		return ""
	}
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	return p == PlatformMattermost || p == PlatformMatrix
}

// DisplayName is the human readable platform name used in relayed headers.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformMattermost:
		return "Mattermost"
	case PlatformMatrix:
		return "Matrix"
	default:
		return string(p)
	}
}

// Direction is the relay policy of a channel.
type Direction string

const (
	// DirectionOneWay only relays Mattermost messages to Matrix.
	DirectionOneWay Direction = "one-way"
	DirectionTwoWay Direction = "two-way"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionOneWay || d == DirectionTwoWay
}

// Allows reports whether a message originating on origin may be relayed.
func (d Direction) Allows(origin Platform) bool {
	switch d {
	case DirectionTwoWay:
		return origin.Valid()
	case DirectionOneWay:
		return origin == PlatformMattermost
	default:
		return false
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// normalizeTime truncates to the millisecond precision stored in the database.
func normalizeTime(ts time.Time) time.Time {
	return ts.Truncate(time.Millisecond).UTC()
}

func unixMilli(ts time.Time) int64 {
	return ts.UnixMilli()
}

func unixMilliPtr(ts *time.Time) sql.NullInt64 {
	if ts == nil || ts.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}

func timePtr(val sql.NullInt64) *time.Time {
	if !val.Valid {
		return nil
	}
	ts := time.UnixMilli(val.Int64).UTC()
	return &ts
}
