// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/feed"
)

// LifecycleEvent is one of Created, Edited or Deleted.
type LifecycleEvent interface {
	// Message is the canonical message after the change.
	Message() *database.Message
	Kind() string
}

// Created is emitted when a canonical message is first stored.
type Created struct {
	Msg *database.Message
}

// Edited is emitted when the content of a message changed.
type Edited struct {
	Old *database.Message
	New *database.Message
}

// Deleted is emitted when a message became soft-deleted.
type Deleted struct {
	Msg *database.Message
}

func (e Created) Message() *database.Message { return e.Msg }
func (e Edited) Message() *database.Message  { return e.New }
func (e Deleted) Message() *database.Message { return e.Msg }

func (Created) Kind() string { return "create" }
func (Edited) Kind() string  { return "edit" }
func (Deleted) Kind() string { return "delete" }

// Adapt converts a raw change feed event into a lifecycle event. An update
// that sets deleted_at is a deletion; every other update is an edit.
func Adapt(change *feed.Change) (LifecycleEvent, error) {
	if change == nil {
		return nil, fmt.Errorf("%w: nil change", ErrMalformedEvent)
	}
	if change.Table != database.TableMessages {
		return nil, fmt.Errorf("%w: unexpected table %q", ErrMalformedEvent, change.Table)
	}
	newRow, err := decodeRow(change.New)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode new row: %w", ErrMalformedEvent, err)
	} else if newRow == nil {
		return nil, fmt.Errorf("%w: change without new row", ErrMalformedEvent)
	}

	switch change.Op {
	case database.ChangeOpInsert:
		return Created{Msg: newRow}, nil
	case database.ChangeOpUpdate:
		oldRow, err := decodeRow(change.Old)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode old row: %w", ErrMalformedEvent, err)
		} else if oldRow == nil {
			return nil, fmt.Errorf("%w: update without old row", ErrMalformedEvent)
		}
		if oldRow.DeletedAt == nil && newRow.DeletedAt != nil {
			return Deleted{Msg: newRow}, nil
		}
		return Edited{Old: oldRow, New: newRow}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformedEvent, change.Op)
	}
}

func decodeRow(raw json.RawMessage) (*database.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var msg database.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" || !msg.Platform.Valid() {
		return nil, errors.New("row without id or platform")
	}
	return &msg, nil
}
