package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

// GetOrCreateUser returns the user with the given id, creating an anonymous
// record if none exists.
func (db *DB) GetOrCreateUser(ctx context.Context, id string) (model.User, error) {
	user, err := db.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.User{}, err
	}

	user = model.User{
		ID:        id,
		Type:      model.UserTypeAnonymous,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := db.sql.ExecContext(ctx,
		`INSERT INTO users (id, type, created_at) VALUES (?, ?, ?)`,
		user.ID, string(user.Type), user.CreatedAt,
	); err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUser returns the user with the given id, or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, id string) (model.User, error) {
	var user model.User
	var typ string
	err := db.sql.QueryRowContext(ctx,
		`SELECT id, type, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &typ, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	user.Type = model.UserType(typ)
	return user, nil
}
