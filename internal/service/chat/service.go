// Package chat orchestrates messages, typing presence, access checks and the
// linked product card for chat sessions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pollchat/internal/access"
	"pollchat/internal/catalog"
	"pollchat/internal/events"
	"pollchat/internal/logger"
	"pollchat/internal/message"
	"pollchat/internal/metrics"
	"pollchat/internal/models"
	"pollchat/internal/service/account"
	"pollchat/internal/sessions"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidSession = message.ErrInvalidSession
	ErrEmptyBody      = message.ErrEmptyBody
	ErrStorageFailure = message.ErrStorageFailure

	// ErrUnknownProduct rejects links to products missing from the catalog.
	ErrUnknownProduct = errors.New("unknown product")
)

type MessageStore interface {
	Append(ctx context.Context, sessionID, authorID int64, body string) (*models.Message, error)
	RecentMessages(ctx context.Context, sessionID int64, limit int) ([]models.Message, error)
}

type Presence interface {
	SetTyping(ctx context.Context, sessionID, userID int64, isTyping bool) error
	TypingUsers(ctx context.Context, sessionID, excluding int64) ([]int64, error)
}

type SessionRepository interface {
	Get(ctx context.Context, id int64) (*models.Session, error)
	Create(ctx context.Context, ownerID int64, title string) (*models.Session, error)
	ActiveForOwner(ctx context.Context, ownerID int64) (*models.Session, error)
	SetAllowedRoles(ctx context.Context, id int64, roles []string) error
	LinkProduct(ctx context.Context, sessionID, productID int64) error
}

type Directory interface {
	Profiles(ctx context.Context, ids []int64) (map[int64]account.Profile, error)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, id int64)
}

// Deps wires the collaborators. Policy, Events and Logger are optional.
type Deps struct {
	Messages    MessageStore
	Presence    Presence
	Sessions    SessionRepository
	Directory   Directory
	Catalog     catalog.Catalog
	Policy      access.Policy
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	RecentLimit int
}

type Service struct {
	messages  MessageStore
	presence  Presence
	sessions  SessionRepository
	directory Directory
	catalog   catalog.Catalog
	policy    access.Policy
	events    events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	limit     int
}

func NewService(d Deps) *Service {
	s := &Service{
		messages:  d.Messages,
		presence:  d.Presence,
		sessions:  d.Sessions,
		directory: d.Directory,
		catalog:   d.Catalog,
		policy:    d.Policy,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       logger.OrNop(d.Logger),
		limit:     d.RecentLimit,
	}
	if s.policy == nil {
		s.policy = access.AllowList{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.limit <= 0 || s.limit > message.DefaultLimit {
		s.limit = message.DefaultLimit
	}
	return s
}

// MessageView is a message decorated with its author's public profile.
type MessageView struct {
	ID        int64
	UserID    int64
	UserName  string
	AvatarURL string
	Body      string
	CreatedAt time.Time
}

// authorize resolves the session and applies the access policy.
func (s *Service) authorize(ctx context.Context, actor access.Actor, sessionID int64) (*models.Session, error) {
	if !actor.Authenticated {
		return nil, ErrForbidden
	}
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanAccess(actor, session.AllowedRoles) {
		return nil, ErrForbidden
	}
	return session, nil
}

func (s *Service) session(ctx context.Context, sessionID int64) (*models.Session, error) {
	if sessionID <= 0 {
		return nil, ErrInvalidSession
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) || errors.Is(err, sessions.ErrInvalidSession) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("load session: %w: %w", ErrStorageFailure, err)
	}
	return session, nil
}

// SendMessage appends body to the session. The caller refreshes its own view.
func (s *Service) SendMessage(ctx context.Context, actor access.Actor, sessionID int64, body string) (*models.Message, error) {
	if _, err := s.authorize(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	msg, err := s.messages.Append(ctx, sessionID, actor.ID, body)
	if err != nil {
		if errors.Is(err, ErrEmptyBody) || errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrStorageFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("append message: %w: %w", ErrStorageFailure, err)
	}
	s.metrics.MessageSent()

	if err := s.events.PublishMessageCreated(ctx, events.NewMessageCreated(msg)); err != nil {
		s.log.Warn("publish message event failed",
			zap.Int64("session_id", sessionID),
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return msg, nil
}

// FetchMessages returns the recent window newest first.
func (s *Service) FetchMessages(ctx context.Context, actor access.Actor, sessionID int64) ([]MessageView, error) {
	if _, err := s.authorize(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.RecentMessages(ctx, sessionID, s.limit)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrStorageFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("recent messages: %w: %w", ErrStorageFailure, err)
	}

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UserID)
	}
	profiles := s.profiles(ctx, ids)

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		p, ok := profiles[m.UserID]
		if !ok {
			p = account.Profile{Name: account.GuestName}
		}
		views = append(views, MessageView{
			ID:        m.ID,
			UserID:    m.UserID,
			UserName:  p.Name,
			AvatarURL: p.AvatarURL,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
		})
	}
	return views, nil
}

// A directory failure degrades to Guest names rather than failing the poll.
func (s *Service) profiles(ctx context.Context, ids []int64) map[int64]account.Profile {
	if s.directory == nil || len(ids) == 0 {
		return nil
	}
	profiles, err := s.directory.Profiles(ctx, ids)
	if err != nil {
		s.log.Warn("resolve profiles failed", zap.Error(err))
		return nil
	}
	return profiles
}

// SetTyping records or clears the actor's typing signal.
func (s *Service) SetTyping(ctx context.Context, actor access.Actor, sessionID int64, isTyping bool) error {
	if _, err := s.authorize(ctx, actor, sessionID); err != nil {
		return err
	}
	if err := s.presence.SetTyping(ctx, sessionID, actor.ID, isTyping); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	s.metrics.TypingSignal(isTyping)
	return nil
}

// FetchTyping returns display names of the other users typing right now.
func (s *Service) FetchTyping(ctx context.Context, actor access.Actor, sessionID int64) ([]string, error) {
	if _, err := s.authorize(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	ids, err := s.presence.TypingUsers(ctx, sessionID, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	names := make([]string, 0, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	profiles := s.profiles(ctx, ids)
	for _, id := range ids {
		name := account.GuestName
		if p, ok := profiles[id]; ok {
			name = p.Name
		}
		names = append(names, name)
	}
	return names, nil
}

// FetchLinkedProduct returns the product card of the session. found is false
// when the session has no link or the product no longer resolves. No access
// check applies.
func (s *Service) FetchLinkedProduct(ctx context.Context, sessionID int64) (*models.Product, bool, error) {
	if sessionID <= 0 {
		return nil, false, ErrInvalidSession
	}
	session, err := s.session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if session.ProductID <= 0 || s.catalog == nil {
		return nil, false, nil
	}
	product, found, err := s.catalog.Get(ctx, session.ProductID)
	if err != nil {
		return nil, false, fmt.Errorf("get product: %w: %w", ErrStorageFailure, err)
	}
	if !found {
		return nil, false, nil
	}
	return product, true, nil
}

// EmbedRequest selects the session a widget should open.
type EmbedRequest struct {
	SessionID int64
	ProductID int64
}

// ResolveSession picks the widget's session: the product's session (created
// on first use), an explicit session id, or the actor's own active session
// (created on first use). The actor must be able to access the result.
func (s *Service) ResolveSession(ctx context.Context, actor access.Actor, req EmbedRequest) (*models.Session, error) {
	if !actor.Authenticated {
		return nil, ErrForbidden
	}

	var (
		session *models.Session
		err     error
	)
	if req.ProductID > 0 {
		if session, err = s.productSession(ctx, req.ProductID); err != nil {
			return nil, err
		}
	}
	if session == nil {
		if session, err = s.ownSession(ctx, actor, req.SessionID); err != nil {
			return nil, err
		}
	}
	if !s.policy.CanAccess(actor, session.AllowedRoles) {
		return nil, ErrForbidden
	}
	return session, nil
}

// productSession returns nil when the product does not exist.
func (s *Service) productSession(ctx context.Context, productID int64) (*models.Session, error) {
	if s.catalog == nil {
		return nil, nil
	}
	product, found, err := s.catalog.Get(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w: %w", ErrStorageFailure, err)
	}
	if !found {
		return nil, nil
	}
	if product.LinkedSessionID > 0 {
		session, err := s.session(ctx, product.LinkedSessionID)
		if err == nil && session.ProductID == product.ID {
			return session, nil
		}
		if err != nil && !errors.Is(err, ErrInvalidSession) {
			return nil, err
		}
	}

	session, err := s.sessions.Create(ctx, 0, "Chat for Product: "+product.Name)
	if err != nil {
		return nil, fmt.Errorf("create product session: %w: %w", ErrStorageFailure, err)
	}
	if err := s.sessions.LinkProduct(ctx, session.ID, product.ID); err != nil {
		return nil, fmt.Errorf("link product session: %w: %w", ErrStorageFailure, err)
	}
	s.invalidateProduct(ctx, product.ID)
	session.ProductID = product.ID
	return session, nil
}

func (s *Service) ownSession(ctx context.Context, actor access.Actor, sessionID int64) (*models.Session, error) {
	if sessionID > 0 {
		return s.session(ctx, sessionID)
	}
	session, err := s.sessions.ActiveForOwner(ctx, actor.ID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, fmt.Errorf("find active session: %w: %w", ErrStorageFailure, err)
	}
	session, err = s.sessions.Create(ctx, actor.ID, fmt.Sprintf("Chat Session for User %d", actor.ID))
	if err != nil {
		return nil, fmt.Errorf("create user session: %w: %w", ErrStorageFailure, err)
	}
	return session, nil
}

// SetAllowedRoles replaces the session allow-list. Administrators only.
func (s *Service) SetAllowedRoles(ctx context.Context, actor access.Actor, sessionID int64, roles []string) (*models.Session, error) {
	if !actor.Authenticated || !actor.HasRole(models.RoleAdministrator) {
		return nil, ErrForbidden
	}
	if _, err := s.session(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := s.sessions.SetAllowedRoles(ctx, sessionID, roles); err != nil {
		return nil, mapSessionErr(err)
	}
	return s.session(ctx, sessionID)
}

// LinkProduct links the session and product both ways; productID 0 unlinks.
// Administrators only.
func (s *Service) LinkProduct(ctx context.Context, actor access.Actor, sessionID, productID int64) (*models.Session, error) {
	if !actor.Authenticated || !actor.HasRole(models.RoleAdministrator) {
		return nil, ErrForbidden
	}
	before, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if productID > 0 && s.catalog != nil {
		if _, found, err := s.catalog.Get(ctx, productID); err != nil {
			return nil, fmt.Errorf("get product: %w: %w", ErrStorageFailure, err)
		} else if !found {
			return nil, ErrUnknownProduct
		}
	}
	if err := s.sessions.LinkProduct(ctx, sessionID, productID); err != nil {
		return nil, mapSessionErr(err)
	}
	s.invalidateProduct(ctx, before.ProductID)
	s.invalidateProduct(ctx, productID)
	return s.session(ctx, sessionID)
}

func (s *Service) invalidateProduct(ctx context.Context, productID int64) {
	if productID <= 0 {
		return
	}
	if inv, ok := s.catalog.(cacheInvalidator); ok {
		inv.Invalidate(ctx, productID)
	}
}

func mapSessionErr(err error) error {
	if errors.Is(err, sessions.ErrNotFound) || errors.Is(err, sessions.ErrInvalidSession) {
		return ErrInvalidSession
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// TrimRoles is a convenience for form input given as a comma-separated list.
func TrimRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return access.NormalizeRoles(strings.Split(raw, ","))
}
