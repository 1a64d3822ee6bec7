// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
)

// Reconciler keeps stored user profiles in line with what the platforms
// report on each message.
type Reconciler struct {
	users UserStore
	log   zerolog.Logger
}

func NewReconciler(users UserStore, log zerolog.Logger) *Reconciler {
	return &Reconciler{users: users, log: log.With().Str("component", "identity").Logger()}
}

// Reconcile returns the stored user for the native author, inserting it on
// first sight and updating it when the username or avatar changed. Identical
// profiles cause no write.
func (r *Reconciler) Reconcile(ctx context.Context, native NativeUser) (*database.User, error) {
	if native.ID == "" || !native.Platform.Valid() {
		return nil, fmt.Errorf("%w: %w: author without id", ErrReconcile, ErrMalformedEvent)
	}
	want := &database.User{
		Platform:  native.Platform,
		ID:        native.ID,
		Username:  native.Username,
		AvatarRef: native.AvatarRef,
	}
	if want.Username == "" {
		want.Username = native.ID
	}

	stored, err := r.users.Get(ctx, native.Platform, native.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get user: %w", ErrReconcile, err)
	}
	if stored == nil {
		insertErr := r.users.Insert(ctx, want)
		if insertErr == nil {
			r.log.Debug().Str("platform", string(want.Platform)).Str("user_id", want.ID).Msg("Stored new user")
			return want, nil
		}
		// Another event from the same author may have inserted it first.
		stored, err = r.users.Get(ctx, native.Platform, native.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to insert user: %w (re-read: %w)", ErrReconcile, insertErr, err)
		} else if stored == nil {
			return nil, fmt.Errorf("%w: failed to insert user: %w", ErrReconcile, insertErr)
		}
	}
	if stored.SameProfile(want) {
		return stored, nil
	}
	if err = r.users.Update(ctx, want); err != nil {
		return nil, fmt.Errorf("%w: failed to update user: %w", ErrReconcile, err)
	}
	r.log.Debug().
		Str("platform", string(want.Platform)).
		Str("user_id", want.ID).
		Str("old_username", stored.Username).
		Str("new_username", want.Username).
		Msg("Updated user profile")
	return want, nil
}
