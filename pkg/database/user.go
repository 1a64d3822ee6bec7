// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/dbutil"
)

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

// User is the stored identity of one platform-native account.
type User struct {
	qh *dbutil.QueryHelper[*User]

	Platform  Platform
	ID        string
	Username  string
	AvatarRef string
}

func newUser(qh *dbutil.QueryHelper[*User]) *User {
	return &User{qh: qh}
}

const (
	getUserQuery = `
		SELECT platform, id, username, avatar_ref FROM relay_user WHERE platform=$1 AND id=$2
	`
	insertUserQuery = `
		INSERT INTO relay_user (platform, id, username, avatar_ref) VALUES ($1, $2, $3, $4)
	`
	updateUserQuery = `
		UPDATE relay_user SET username=$3, avatar_ref=$4 WHERE platform=$1 AND id=$2
	`
)

func (uq *UserQuery) Get(ctx context.Context, platform Platform, id string) (*User, error) {
	return uq.QueryOne(ctx, getUserQuery, platform, id)
}

func (uq *UserQuery) Insert(ctx context.Context, user *User) error {
	return uq.Exec(ctx, insertUserQuery, user.sqlVariables()...)
}

func (uq *UserQuery) Update(ctx context.Context, user *User) error {
	return uq.Exec(ctx, updateUserQuery, user.sqlVariables()...)
}

// SameProfile reports whether the mutable profile fields of two users match.
func (u *User) SameProfile(other *User) bool {
	return u.Username == other.Username && u.AvatarRef == other.AvatarRef
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var avatar sql.NullString
	err := row.Scan(&u.Platform, &u.ID, &u.Username, &avatar)
	if err != nil {
		return nil, err
	}
	u.AvatarRef = avatar.String
	return u, nil
}

func (u *User) sqlVariables() []any {
	return []any{u.Platform, u.ID, u.Username, nullString(u.AvatarRef)}
}
