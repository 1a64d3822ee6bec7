// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/util/dbutil"
)

// ChannelQuery reads and administers bridged channels. The relay engine only
// reads channels; writes come from the admin API.
type ChannelQuery struct {
	*dbutil.QueryHelper[*Channel]
}

// Channel binds one Mattermost channel and one Matrix room together.
type Channel struct {
	qh *dbutil.QueryHelper[*Channel]

	ID                  string    `json:"id"`
	MattermostChannelID string    `json:"mattermost_channel_id,omitempty"`
	MatrixRoomID        string    `json:"matrix_room_id,omitempty"`
	Direction           Direction `json:"direction"`
	Name                string    `json:"name,omitempty"`
}

func newChannel(qh *dbutil.QueryHelper[*Channel]) *Channel {
	return &Channel{qh: qh}
}

const (
	getChannelBaseQuery = `
		SELECT id, mattermost_channel_id, matrix_room_id, direction, name FROM channel
	`
	getChannelByIDQuery         = getChannelBaseQuery + `WHERE id=$1`
	getChannelByMattermostQuery = getChannelBaseQuery + `WHERE mattermost_channel_id=$1`
	getChannelByMatrixQuery     = getChannelBaseQuery + `WHERE matrix_room_id=$1`
	getAllChannelsQuery         = getChannelBaseQuery + `ORDER BY name, id`
	upsertChannelQuery          = `
		INSERT INTO channel (id, mattermost_channel_id, matrix_room_id, direction, name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
			SET mattermost_channel_id=excluded.mattermost_channel_id,
			    matrix_room_id=excluded.matrix_room_id,
			    direction=excluded.direction,
			    name=excluded.name
	`
)

func (cq *ChannelQuery) GetByID(ctx context.Context, id string) (*Channel, error) {
	return cq.QueryOne(ctx, getChannelByIDQuery, id)
}

// GetByNativeChat returns the channel bound to the given native chat id on
// the given platform, or nil if the chat is not bridged.
func (cq *ChannelQuery) GetByNativeChat(ctx context.Context, platform Platform, chatID string) (*Channel, error) {
	switch platform {
	case PlatformMattermost:
		return cq.QueryOne(ctx, getChannelByMattermostQuery, chatID)
	case PlatformMatrix:
		return cq.QueryOne(ctx, getChannelByMatrixQuery, chatID)
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

func (cq *ChannelQuery) GetAll(ctx context.Context) ([]*Channel, error) {
	return cq.QueryMany(ctx, getAllChannelsQuery)
}

// Upsert creates the channel or replaces its bindings.
func (cq *ChannelQuery) Upsert(ctx context.Context, ch *Channel) error {
	return cq.Exec(ctx, upsertChannelQuery, ch.sqlVariables()...)
}

// ChatID returns the native chat id bound on the given platform.
func (c *Channel) ChatID(platform Platform) string {
	switch platform {
	case PlatformMattermost:
		return c.MattermostChannelID
	case PlatformMatrix:
		return c.MatrixRoomID
	default:
		return ""
	}
}

func (c *Channel) Scan(row dbutil.Scannable) (*Channel, error) {
	var mattermostID, matrixID sql.NullString
	err := row.Scan(&c.ID, &mattermostID, &matrixID, &c.Direction, &c.Name)
	if err != nil {
		return nil, err
	}
	c.MattermostChannelID = mattermostID.String
	c.MatrixRoomID = matrixID.String
	return c, nil
}

func (c *Channel) sqlVariables() []any {
	return []any{c.ID, nullString(c.MattermostChannelID), nullString(c.MatrixRoomID), c.Direction, c.Name}
}
