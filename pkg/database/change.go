// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

// ChangeOp is the kind of row change recorded in the outbox.
type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "insert"
	ChangeOpUpdate ChangeOp = "update"
)

// ChangeQuery is the transactional outbox backing the message change feed.
type ChangeQuery struct {
	*dbutil.QueryHelper[*Change]
}

// Change is one outbox row. New and Old hold the JSON encoded row before and
// after the change; Old is empty for inserts.
type Change struct {
	qh *dbutil.QueryHelper[*Change]

	Seq         int64
	Op          ChangeOp
	Table       string
	New         json.RawMessage
	Old         json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

func newChange(qh *dbutil.QueryHelper[*Change]) *Change {
	return &Change{qh: qh}
}

const (
	insertChangeQuery = `
		INSERT INTO message_change (op, table_name, new_row, old_row, created_at) VALUES ($1, $2, $3, $4, $5)
	`
	getUnpublishedChangesQuery = `
		SELECT seq, op, table_name, new_row, old_row, created_at, published_at
		FROM message_change WHERE published_at IS NULL AND seq > $1 ORDER BY seq LIMIT $2
	`
	markChangePublishedQuery = `
		UPDATE message_change SET published_at=$2 WHERE seq=$1
	`
	deletePublishedChangesQuery = `
		DELETE FROM message_change WHERE published_at IS NOT NULL AND published_at < $1
	`
)

func (cq *ChangeQuery) insert(ctx context.Context, op ChangeOp, table string, newRow, oldRow any) error {
	newData, err := json.Marshal(newRow)
	if err != nil {
		return fmt.Errorf("failed to marshal new row: %w", err)
	}
	var oldData sql.NullString
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return fmt.Errorf("failed to marshal old row: %w", err)
		}
		oldData = sql.NullString{String: string(raw), Valid: true}
	}
	return cq.Exec(ctx, insertChangeQuery, op, table, string(newData), oldData, time.Now().UnixMilli())
}

// GetUnpublished returns up to limit changes after afterSeq that were not yet
// marked as published, oldest first.
func (cq *ChangeQuery) GetUnpublished(ctx context.Context, afterSeq int64, limit int) ([]*Change, error) {
	return cq.QueryMany(ctx, getUnpublishedChangesQuery, afterSeq, limit)
}

func (cq *ChangeQuery) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	return cq.Exec(ctx, markChangePublishedQuery, seq, unixMilli(at))
}

// DeletePublishedBefore prunes changes published before the given time.
func (cq *ChangeQuery) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := cq.GetDB().Exec(ctx, deletePublishedChangesQuery, unixMilli(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Change) Scan(row dbutil.Scannable) (*Change, error) {
	var newRow string
	var oldRow sql.NullString
	var createdAt int64
	var publishedAt sql.NullInt64
	err := row.Scan(&c.Seq, &c.Op, &c.Table, &newRow, &oldRow, &createdAt, &publishedAt)
	if err != nil {
		return nil, err
	}
	c.New = json.RawMessage(newRow)
	if oldRow.Valid {
		c.Old = json.RawMessage(oldRow.String)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.PublishedAt = timePtr(publishedAt)
	return c, nil
}
