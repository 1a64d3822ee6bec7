// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the relay to a Mattermost server: a REST
// client that posts relayed copies and a WebSocket listener that feeds native
// events to the relay engine.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/metrics"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// RelayProp marks posts created by the relay so the listener can drop them.
const RelayProp = "from_matrix_relay"

// Config is the mattermost section of the relay configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// BotPrefix drops posts from usernames starting with it (echo prevention).
	BotPrefix         string  `yaml:"bot_prefix"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Client is the relay's authenticated Mattermost bot session.
type Client struct {
	api       *model.Client4
	limiter   *rate.Limiter
	serverURL string
	userID    string
	log       zerolog.Logger
}

var (
	_ relay.PlatformClient  = (*Client)(nil)
	_ relay.ProfileResolver = (*Client)(nil)
)

func NewClient(cfg Config, log zerolog.Logger) *Client {
	api := model.NewAPIv4Client(strings.TrimSuffix(cfg.ServerURL, "/"))
	api.SetToken(cfg.Token)
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		api:       api,
		limiter:   rate.NewLimiter(limit, burst),
		serverURL: strings.TrimSuffix(cfg.ServerURL, "/"),
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the token and remembers the bot's own user id.
func (c *Client) Connect(ctx context.Context) error {
	me, _, err := c.api.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.userID = me.Id
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// UserID is the relay bot's own Mattermost user id, known after Connect.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) Platform() database.Platform {
	return database.PlatformMattermost
}

func (c *Client) SendMessage(ctx context.Context, chatID string, content *relayfmt.Rendered) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	post := &model.Post{
		ChannelId: chatID,
		Message:   content.Text,
	}
	post.AddProp(RelayProp, true)

	start := time.Now()
	created, resp, err := c.api.CreatePost(ctx, post)
	metrics.ObservePlatformCall(string(database.PlatformMattermost), "create_post", time.Since(start).Seconds())
	if err != nil {
		return "", c.wrapError("failed to create post", resp, err)
	}
	return created.Id, nil
}

func (c *Client) EditMessage(ctx context.Context, _, messageID string, content *relayfmt.Rendered) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	text := content.Text
	patch := &model.PostPatch{
		Message: &text,
	}
	start := time.Now()
	_, resp, err := c.api.PatchPost(ctx, messageID, patch)
	metrics.ObservePlatformCall(string(database.PlatformMattermost), "patch_post", time.Since(start).Seconds())
	if err != nil {
		return c.wrapError("failed to edit post", resp, err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, _, messageID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.api.DeletePost(ctx, messageID)
	metrics.ObservePlatformCall(string(database.PlatformMattermost), "delete_post", time.Since(start).Seconds())
	if err != nil {
		return c.wrapError("failed to delete post", resp, err)
	}
	return nil
}

func (c *Client) FetchChannel(ctx context.Context, chatID string) (*relay.ChatInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	channel, resp, err := c.api.GetChannel(ctx, chatID, "")
	if err != nil {
		return nil, c.wrapError("failed to get channel info", resp, err)
	}
	name := channel.DisplayName
	if name == "" {
		name = channel.Name
	}
	return &relay.ChatInfo{ID: channel.Id, Name: name}, nil
}

// GetUser fetches a user profile. The avatar reference changes whenever the
// user uploads a new picture.
func (c *Client) GetUser(ctx context.Context, userID string) (username, avatarRef string, err error) {
	if err = c.wait(ctx); err != nil {
		return "", "", err
	}
	user, resp, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		return "", "", c.wrapError("failed to get user info", resp, err)
	}
	if user.LastPictureUpdate > 0 {
		avatarRef = c.serverURL + "/api/v4/users/" + user.Id + "/image?_=" + strconv.FormatInt(user.LastPictureUpdate, 10)
	}
	return user.Username, avatarRef, nil
}

// ResolveProfile looks up the username and avatar of a post author.
func (c *Client) ResolveProfile(ctx context.Context, userID string) (name, avatarRef string, err error) {
	return c.GetUser(ctx, userID)
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (c *Client) wrapError(msg string, resp *model.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %w", msg, relay.ErrMessageNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
