// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix connects the relay to a Matrix homeserver as a regular bot
// account: a client that sends relayed copies and a /sync listener that feeds
// native room events to the relay engine.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// RelayMarkerKey is added to the content of every event the relay sends. Its
// value is the platform the message came from.
const RelayMarkerKey = "com.aiku.relay.origin"

// Config is the matrix section of the relay configuration.
type Config struct {
	HomeserverURL     string  `yaml:"homeserver_url"`
	UserID            string  `yaml:"user_id"`
	AccessToken       string  `yaml:"access_token"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Client is the relay's Matrix bot session.
type Client struct {
	api     *mautrix.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var (
	_ relay.PlatformClient  = (*Client)(nil)
	_ relay.ProfileResolver = (*Client)(nil)
)

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	api, err := mautrix.NewClient(strings.TrimSuffix(cfg.HomeserverURL, "/"), id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "mx_client").Logger()
	api.Log = log
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}, nil
}

// Connect verifies the access token and fills in the bot's user id.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.api.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	if c.api.UserID != "" && c.api.UserID != resp.UserID {
		return fmt.Errorf("access token belongs to %s, not %s", resp.UserID, c.api.UserID)
	}
	c.api.UserID = resp.UserID
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

// UserID is the relay bot's own Matrix user id.
func (c *Client) UserID() id.UserID {
	return c.api.UserID
}

func (c *Client) Platform() database.Platform {
	return database.PlatformMatrix
}

func (c *Client) SendMessage(ctx context.Context, chatID string, content *relayfmt.Rendered) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	resp, err := c.api.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, c.content(content, ""))
	metrics.ObservePlatformCall(string(database.PlatformMatrix), "send_message", time.Since(start).Seconds())
	if err != nil {
		return "", wrapError("failed to send message", err)
	}
	return resp.EventID.String(), nil
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID string, content *relayfmt.Rendered) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.api.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, c.content(content, id.EventID(messageID)))
	metrics.ObservePlatformCall(string(database.PlatformMatrix), "edit_message", time.Since(start).Seconds())
	if err != nil {
		return wrapError("failed to edit message", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.api.RedactEvent(ctx, id.RoomID(chatID), id.EventID(messageID))
	metrics.ObservePlatformCall(string(database.PlatformMatrix), "redact", time.Since(start).Seconds())
	if err != nil {
		return wrapError("failed to redact message", err)
	}
	return nil
}

func (c *Client) FetchChannel(ctx context.Context, chatID string) (*relay.ChatInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	var name event.RoomNameEventContent
	err := c.api.StateEvent(ctx, id.RoomID(chatID), event.StateRoomName, "", &name)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return nil, fmt.Errorf("failed to get room name: %w", err)
	}
	return &relay.ChatInfo{ID: chatID, Name: name.Name}, nil
}

// GetProfile returns the display name and avatar of a user. The localpart is
// used when the user has no display name.
func (c *Client) GetProfile(ctx context.Context, userID id.UserID) (name, avatarRef string, err error) {
	if err = c.wait(ctx); err != nil {
		return "", "", err
	}
	profile, err := c.api.GetProfile(ctx, userID)
	if err != nil {
		return "", "", fmt.Errorf("failed to get profile: %w", err)
	}
	name = profile.DisplayName
	if name == "" {
		name = userID.Localpart()
	}
	if !profile.AvatarURL.IsEmpty() {
		avatarRef = profile.AvatarURL.String()
	}
	return name, avatarRef, nil
}

// ResolveProfile looks up the display name and avatar of a message sender.
func (c *Client) ResolveProfile(ctx context.Context, userID string) (name, avatarRef string, err error) {
	return c.GetProfile(ctx, id.UserID(userID))
}

// content builds the event content for a relayed message. A non-empty
// editOf turns it into a replacement of that event.
func (c *Client) content(rendered *relayfmt.Rendered, editOf id.EventID) *event.Content {
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    rendered.Text,
	}
	if rendered.HTML != "" {
		msg.Format = event.FormatHTML
		msg.FormattedBody = rendered.HTML
	}
	if editOf != "" {
		msg.SetEdit(editOf)
	}
	return &event.Content{
		Parsed: msg,
		Raw:    map[string]any{RelayMarkerKey: string(database.PlatformMattermost)},
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func wrapError(msg string, err error) error {
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("%s: %w: %w", msg, relay.ErrMessageNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
