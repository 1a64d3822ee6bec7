// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

// MessageQuery stores canonical messages. Every write also appends a row to
// the message change outbox in the same transaction.
type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
	changes *ChangeQuery
}

// Message is the canonical record of one message. ID is the native id
// assigned by the platform the message was originally sent on.
type Message struct {
	qh *dbutil.QueryHelper[*Message]

	ID         string     `json:"id"`
	Platform   Platform   `json:"platform"`
	ChannelID  string     `json:"channel_id"`
	AuthorID   string     `json:"author_id"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

// TableMessages is the table name carried by message change events.
const TableMessages = "messages"

const (
	getMessageByIDQuery = `
		SELECT id, platform, channel_id, author_id, content, created_at, modified_at, deleted_at
		FROM message WHERE id=$1
	`
	insertMessageQuery = `
		INSERT INTO message (id, platform, channel_id, author_id, content, created_at, modified_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	updateMessageContentQuery = `
		UPDATE message SET content=$2, modified_at=$3 WHERE id=$1 AND deleted_at IS NULL
	`
	markMessageDeletedQuery = `
		UPDATE message SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL
	`
)

func (mq *MessageQuery) GetByID(ctx context.Context, id string) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByIDQuery, id)
}

// Insert stores a new canonical message. A message with the same id that was
// already stored is left untouched and inserted is false.
func (mq *MessageQuery) Insert(ctx context.Context, msg *Message) (inserted bool, err error) {
	msg.CreatedAt = normalizeTime(msg.CreatedAt)
	err = mq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := mq.GetDB().Exec(ctx, insertMessageQuery, msg.sqlVariables()...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		} else if affected == 0 {
			return nil
		}
		inserted = true
		return mq.changes.insert(ctx, ChangeOpInsert, TableMessages, msg, nil)
	})
	return
}

// UpdateContent replaces the content of a message that is not deleted.
// Nothing is written when the content is unchanged.
func (mq *MessageQuery) UpdateContent(ctx context.Context, id, content string, at time.Time) (updated *Message, err error) {
	at = normalizeTime(at)
	err = mq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		old, err := mq.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get message: %w", err)
		} else if old == nil || old.DeletedAt != nil || old.Content == content {
			return nil
		}
		next := *old
		next.Content = content
		next.ModifiedAt = &at
		if err = mq.Exec(ctx, updateMessageContentQuery, id, content, unixMilli(at)); err != nil {
			return err
		}
		updated = &next
		return mq.changes.insert(ctx, ChangeOpUpdate, TableMessages, &next, old)
	})
	return
}

// MarkDeleted soft-deletes a message. The deletion timestamp is never
// overwritten once set.
func (mq *MessageQuery) MarkDeleted(ctx context.Context, id string, at time.Time) (deleted *Message, err error) {
	at = normalizeTime(at)
	err = mq.GetDB().DoTxn(ctx, nil, func(ctx context.Context) error {
		old, err := mq.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get message: %w", err)
		} else if old == nil || old.DeletedAt != nil {
			return nil
		}
		next := *old
		next.DeletedAt = &at
		if err = mq.Exec(ctx, markMessageDeletedQuery, id, unixMilli(at)); err != nil {
			return err
		}
		deleted = &next
		return mq.changes.insert(ctx, ChangeOpUpdate, TableMessages, &next, old)
	})
	return
}

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var createdAt int64
	var modifiedAt, deletedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.Platform, &m.ChannelID, &m.AuthorID, &m.Content, &createdAt, &modifiedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.ModifiedAt = timePtr(modifiedAt)
	m.DeletedAt = timePtr(deletedAt)
	return m, nil
}

func (m *Message) sqlVariables() []any {
	return []any{
		m.ID, m.Platform, m.ChannelID, m.AuthorID, m.Content,
		unixMilli(m.CreatedAt), unixMilliPtr(m.ModifiedAt), unixMilliPtr(m.DeletedAt),
	}
}
