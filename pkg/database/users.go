package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// =====================
// User accounts
// =====================

// User is one viewer account. AuthorizedNodes is the explicit allow-list for
// non-admin accounts; an empty list means the account sees no coordinates.
// Admins are authorized for every node regardless of the list.
type User struct {
	Name            string  `json:"name"`
	IsAdmin         bool    `json:"isAdmin"`
	AuthorizedNodes []int64 `json:"authorizedNodes"`
	CreatedAt       int64   `json:"createdAt"`
}

// CreateUser stores an account with a bcrypt password hash. Plaintext never
// touches the table.
func (db *Database) CreateUser(ctx context.Context, name, password string, isAdmin bool, authorizedNodes []int64, dbType string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("create user: empty user name")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	nodesJSON, err := json.Marshal(authorizedNodes)
	if err != nil {
		return fmt.Errorf("encode authorized nodes: %w", err)
	}

	admin := 0
	if isAdmin {
		admin = 1
	}
	next := newPlaceholderGenerator(dbType)
	stmt := fmt.Sprintf(`INSERT INTO users (user_name, password_hash, is_admin, authorized_nodes, created_at) VALUES (%s, %s, %s, %s, %s)`,
		next(), next(), next(), next(), next())
	if _, err := db.DB.ExecContext(ctx, stmt, name, string(hash), admin, string(nodesJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// AuthenticateUser verifies the password and returns the account on success.
// A missing user and a wrong password are indistinguishable to the caller so
// the API surface does not leak which accounts exist.
func (db *Database) AuthenticateUser(ctx context.Context, name, password, dbType string) (User, bool, error) {
	name = strings.TrimSpace(name)
	next := newPlaceholderGenerator(dbType)
	query := fmt.Sprintf(`SELECT password_hash, is_admin, authorized_nodes, created_at FROM users WHERE user_name = %s`, next())

	var (
		hash    string
		admin   int
		nodes   sql.NullString
		created sql.NullInt64
	)
	err := db.DB.QueryRowContext(ctx, query, name).Scan(&hash, &admin, &nodes, &created)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("query user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, false, nil
	}

	u := User{Name: name, IsAdmin: admin == 1, CreatedAt: created.Int64}
	if strings.TrimSpace(nodes.String) != "" {
		if err := json.Unmarshal([]byte(nodes.String), &u.AuthorizedNodes); err != nil {
			return User{}, false, fmt.Errorf("decode authorized nodes for %q: %w", name, err)
		}
	}
	return u, true, nil
}

// UserExists reports whether an account name is taken.
func (db *Database) UserExists(ctx context.Context, name, dbType string) (bool, error) {
	next := newPlaceholderGenerator(dbType)
	query := fmt.Sprintf(`SELECT 1 FROM users WHERE user_name = %s`, next())
	var one int
	err := db.DB.QueryRowContext(ctx, query, strings.TrimSpace(name)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user existence: %w", err)
	}
	return true, nil
}

// UpdateAuthorizedNodes replaces a user's allow-list.
func (db *Database) UpdateAuthorizedNodes(ctx context.Context, name string, authorizedNodes []int64, dbType string) error {
	nodesJSON, err := json.Marshal(authorizedNodes)
	if err != nil {
		return fmt.Errorf("encode authorized nodes: %w", err)
	}
	next := newPlaceholderGenerator(dbType)
	stmt := fmt.Sprintf(`UPDATE users SET authorized_nodes = %s WHERE user_name = %s`, next(), next())
	if _, err := db.DB.ExecContext(ctx, stmt, string(nodesJSON), strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("update authorized nodes: %w", err)
	}
	return nil
}

// DeleteUser removes an account.
func (db *Database) DeleteUser(ctx context.Context, name, dbType string) error {
	next := newPlaceholderGenerator(dbType)
	stmt := fmt.Sprintf(`DELETE FROM users WHERE user_name = %s`, next())
	if _, err := db.DB.ExecContext(ctx, stmt, strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// ListUsers returns all account names, for admin tooling.
func (db *Database) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT user_name FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return names, nil
}
