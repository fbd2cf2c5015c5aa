// Package account registers users and resolves their public profile.
package account

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pollchat/internal/access"
	"pollchat/internal/models"
)

// GuestName is shown for authors that no longer resolve to a user.
const GuestName = "Guest"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrUserNotFound       = errors.New("user not found")
)

// Profile is the public face of a message author.
type Profile struct {
	Name      string
	AvatarURL string
}

// Service handles user lifecycle and the user directory.
type Service struct {
	db   *sql.DB
	cost int
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, cost: bcrypt.DefaultCost}
}

// WithCost tunes the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.cost = cost
	}
	return s
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
	Roles       []string
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	password := strings.TrimSpace(in.Password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = username
	}
	email := strings.TrimSpace(in.Email)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, display_name, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		username, string(hash), displayName, email, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	user := &models.User{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Email:        email,
		CreatedAt:    now,
	}
	if len(in.Roles) > 0 {
		if err := s.SetRoles(ctx, id, in.Roles); err != nil {
			return nil, err
		}
		user.Roles = access.NormalizeRoles(in.Roles)
	}
	return user, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var id int64
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE username = ?`, username).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.GetUser(ctx, id)
}

// GetUser loads a user with roles.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if id <= 0 {
		return nil, ErrUserNotFound
	}
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, display_name, email, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	roles, err := s.roles(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return &user, nil
}

func (s *Service) roles(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, id)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// SetRoles replaces the roles held by the user.
func (s *Service) SetRoles(ctx context.Context, id int64, roles []string) (err error) {
	if id <= 0 {
		return ErrUserNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	for _, role := range access.NormalizeRoles(roles) {
		if _, err = tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role) VALUES (?, ?)`, id, role); err != nil {
			return fmt.Errorf("insert user role: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit user roles: %w", err)
	}
	return nil
}

// DeleteUser removes a user; their messages remain and render as Guest.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Actor implements auth.ActorResolver.
func (s *Service) Actor(ctx context.Context, userID int64) (access.Actor, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return access.Anonymous, nil
		}
		return access.Anonymous, err
	}
	return access.Actor{
		ID:            user.ID,
		Name:          user.Name(),
		Roles:         user.Roles,
		Authenticated: true,
	}, nil
}

// Profiles resolves display names and avatars for ids. Unknown ids map to
// the Guest profile.
func (s *Service) Profiles(ctx context.Context, ids []int64) (map[int64]Profile, error) {
	out := make(map[int64]Profile, len(ids))
	var unique []any
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		out[id] = Profile{Name: GuestName}
		if id > 0 {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return out, nil
	}

	query := `SELECT id, username, display_name, email FROM users WHERE id IN (?` +
		strings.Repeat(",?", len(unique)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, unique...)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[u.ID] = Profile{Name: u.Name(), AvatarURL: AvatarURL(u.Email)}
	}
	return out, rows.Err()
}

// AvatarURL returns the gravatar url for email.
func AvatarURL(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?s=48&d=mp"
}
