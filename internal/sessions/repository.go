// Package sessions stores chat sessions, their allow-lists and product links.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pollchat/internal/access"
	"pollchat/internal/models"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidSession = errors.New("invalid session id")
)

// Repository reads and writes chat_sessions and session_roles. The cache is
// optional.
type Repository struct {
	db    *sql.DB
	cache *Cache
	now   func() time.Time
}

func NewRepository(db *sql.DB, cache *Cache) *Repository {
	return &Repository{db: db, cache: cache, now: time.Now}
}

// Get returns the session with its allowed roles.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Session, error) {
	if id <= 0 {
		return nil, ErrInvalidSession
	}
	if session, ok := r.cache.load(ctx, id); ok {
		return session, nil
	}

	var session models.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, status, product_id, created_at, updated_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.OwnerID, &session.Title, &session.Status, &session.ProductID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	roles, err := r.roles(ctx, id)
	if err != nil {
		return nil, err
	}
	session.AllowedRoles = roles
	r.cache.store(ctx, &session)
	return &session, nil
}

func (r *Repository) roles(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role FROM session_roles WHERE session_id = ? ORDER BY role`, id)
	if err != nil {
		return nil, fmt.Errorf("list session roles: %w", err)
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan session role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Create inserts an active session.
func (r *Repository) Create(ctx context.Context, ownerID int64, title string) (*models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (owner_id, title, status, product_id, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		ownerID, title, models.SessionStatusActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ActiveForOwner returns the owner's most recent active session.
func (r *Repository) ActiveForOwner(ctx context.Context, ownerID int64) (*models.Session, error) {
	if ownerID <= 0 {
		return nil, ErrNotFound
	}
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM chat_sessions WHERE owner_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		ownerID, models.SessionStatusActive,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return r.Get(ctx, id)
}

// SetAllowedRoles replaces the allow-list. An empty list opens the session to
// every authenticated actor.
func (r *Repository) SetAllowedRoles(ctx context.Context, id int64, roles []string) (err error) {
	if id <= 0 {
		return ErrInvalidSession
	}
	roles = access.NormalizeRoles(roles)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = requireSession(ctx, tx, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM session_roles WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("clear session roles: %w", err)
	}
	for _, role := range roles {
		if _, err = tx.ExecContext(ctx, `INSERT INTO session_roles (session_id, role) VALUES (?, ?)`, id, role); err != nil {
			return fmt.Errorf("insert session role: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session roles: %w", err)
	}
	r.cache.invalidate(ctx, id)
	return nil
}

// LinkProduct points the session at productID and the product back at the
// session. productID 0 removes the link on both sides.
func (r *Repository) LinkProduct(ctx context.Context, sessionID, productID int64) (err error) {
	if sessionID <= 0 {
		return ErrInvalidSession
	}
	if productID < 0 {
		return errors.New("invalid product id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = requireSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE products SET linked_session_id = 0 WHERE linked_session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("unlink products: %w", err)
	}
	var displaced []int64
	if productID > 0 {
		// a product backs one session at a time
		if displaced, err = sessionsForProduct(ctx, tx, productID, sessionID); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE chat_sessions SET product_id = 0 WHERE product_id = ? AND id <> ?`, productID, sessionID,
		); err != nil {
			return fmt.Errorf("unlink sessions: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE products SET linked_session_id = ? WHERE id = ?`, sessionID, productID)
		if err != nil {
			return fmt.Errorf("link product: %w", err)
		}
		if affected, rerr := res.RowsAffected(); rerr == nil && affected == 0 {
			err = fmt.Errorf("product %d not found", productID)
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE chat_sessions SET product_id = ?, updated_at = ? WHERE id = ?`, productID, r.now().UTC(), sessionID,
	); err != nil {
		return fmt.Errorf("set session product: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit product link: %w", err)
	}
	r.cache.invalidate(ctx, sessionID)
	for _, id := range displaced {
		r.cache.invalidate(ctx, id)
	}
	return nil
}

func sessionsForProduct(ctx context.Context, tx *sql.Tx, productID, except int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chat_sessions WHERE product_id = ? AND id <> ?`, productID, except)
	if err != nil {
		return nil, fmt.Errorf("list product sessions: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireSession(ctx context.Context, tx *sql.Tx, id int64) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}
