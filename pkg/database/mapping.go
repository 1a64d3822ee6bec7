// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

type MappingQuery struct {
	*dbutil.QueryHelper[*MessageMapping]
}

// MessageMapping links the Mattermost and Matrix native ids of one logical
// message. Mappings are never deleted.
type MessageMapping struct {
	qh *dbutil.QueryHelper[*MessageMapping]

	MattermostID string
	MatrixID     string
	CreatedAt    time.Time
}

func newMapping(qh *dbutil.QueryHelper[*MessageMapping]) *MessageMapping {
	return &MessageMapping{qh: qh}
}

const (
	getMappingBaseQuery = `
		SELECT mattermost_id, matrix_id, created_at FROM message_mapping
	`
	getMappingByMattermostQuery = getMappingBaseQuery + `WHERE mattermost_id=$1`
	getMappingByMatrixQuery     = getMappingBaseQuery + `WHERE matrix_id=$1`
	insertMappingQuery          = `
		INSERT INTO message_mapping (mattermost_id, matrix_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
)

// GetByNativeID finds the mapping containing the given native message id.
func (mq *MappingQuery) GetByNativeID(ctx context.Context, platform Platform, id string) (*MessageMapping, error) {
	switch platform {
	case PlatformMattermost:
		return mq.QueryOne(ctx, getMappingByMattermostQuery, id)
	case PlatformMatrix:
		return mq.QueryOne(ctx, getMappingByMatrixQuery, id)
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

// Upsert stores the mapping unless a mapping for either id already exists,
// then returns the stored row keyed by the id known on the origin platform.
// Concurrent or retried calls for the same origin id converge on one row.
func (mq *MappingQuery) Upsert(ctx context.Context, origin Platform, mapping *MessageMapping) (*MessageMapping, error) {
	key := mapping.ID(origin)
	if key == "" {
		return nil, errors.New("mapping has no id for origin platform")
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now()
	}
	err := mq.Exec(ctx, insertMappingQuery, mapping.sqlVariables()...)
	if err != nil {
		return nil, err
	}
	stored, err := mq.GetByNativeID(ctx, origin, key)
	if err != nil {
		return nil, err
	} else if stored == nil {
		// The insert conflicted on the counterpart id, which is already
		// mapped to a different origin message.
		return nil, fmt.Errorf("counterpart id %q is mapped to another message", mapping.ID(origin.Other()))
	}
	return stored, nil
}

// ID returns the native id of the message on the given platform.
func (m *MessageMapping) ID(platform Platform) string {
	switch platform {
	case PlatformMattermost:
		return m.MattermostID
	case PlatformMatrix:
		return m.MatrixID
	default:
		return ""
	}
}

// SetID sets the native id of the message on the given platform.
func (m *MessageMapping) SetID(platform Platform, id string) {
	switch platform {
	case PlatformMattermost:
		m.MattermostID = id
	case PlatformMatrix:
		m.MatrixID = id
	}
}

func (m *MessageMapping) Scan(row dbutil.Scannable) (*MessageMapping, error) {
	var mattermostID, matrixID sql.NullString
	var createdAt int64
	err := row.Scan(&mattermostID, &matrixID, &createdAt)
	if err != nil {
		return nil, err
	}
	m.MattermostID = mattermostID.String
	m.MatrixID = matrixID.String
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return m, nil
}

func (m *MessageMapping) sqlVariables() []any {
	return []any{nullString(m.MattermostID), nullString(m.MatrixID), unixMilli(m.CreatedAt)}
}
