package chat

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pollchat/internal/access"
	"pollchat/internal/catalog"
	"pollchat/internal/config"
	"pollchat/internal/events"
	"pollchat/internal/message"
	"pollchat/internal/metrics"
	"pollchat/internal/models"
	"pollchat/internal/presence"
	"pollchat/internal/service/account"
	"pollchat/internal/sessions"
	"pollchat/internal/storage"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.MessageCreated
	err    error
}

func (p *recordingPublisher) PublishMessageCreated(_ context.Context, evt events.MessageCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

type testEnv struct {
	db       *sql.DB
	svc      *Service
	accounts *account.Service
	sessions *sessions.Repository
	catalog  *catalog.SQLCatalog
	clock    *manualClock
	events   *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &manualClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	env := &testEnv{
		db:       db,
		accounts: account.NewService(db).WithCost(bcrypt.MinCost),
		sessions: sessions.NewRepository(db, nil),
		catalog:  catalog.NewSQLCatalog(db),
		clock:    clock,
		events:   &recordingPublisher{},
	}
	env.svc = NewService(Deps{
		Messages:  message.NewStore(db),
		Presence:  presence.NewTracker(presence.NewMemoryStore(clock, nil), presence.WithClock(clock)),
		Sessions:  env.sessions,
		Directory: env.accounts,
		Catalog:   env.catalog,
		Events:    env.events,
		Metrics:   metrics.New(),
	})
	return env
}

func (e *testEnv) user(t *testing.T, name string, roles ...string) access.Actor {
	t.Helper()
	u, err := e.accounts.RegisterUser(context.Background(), account.RegisterInput{
		Username: name, Password: "pw", Email: name + "@example.com", Roles: roles,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	actor, err := e.accounts.Actor(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("actor %s: %v", name, err)
	}
	return actor
}

func (e *testEnv) session(t *testing.T, roles ...string) *models.Session {
	t.Helper()
	s, err := e.sessions.Create(context.Background(), 0, "test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(roles) > 0 {
		if err := e.sessions.SetAllowedRoles(context.Background(), s.ID, roles); err != nil {
			t.Fatalf("set roles: %v", err)
		}
	}
	return s
}

func TestSendAndFetchOrdering(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	s := env.session(t)

	if _, err := env.svc.SendMessage(ctx, alice, s.ID, "hi"); err != nil {
		t.Fatalf("send alice: %v", err)
	}
	if _, err := env.svc.SendMessage(ctx, bob, s.ID, "hello"); err != nil {
		t.Fatalf("send bob: %v", err)
	}

	views, err := env.svc.FetchMessages(ctx, alice, s.ID)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(views))
	}
	if views[0].Body != "hello" || views[0].UserID != bob.ID || views[0].UserName != "bob" {
		t.Fatalf("unexpected newest message: %+v", views[0])
	}
	if views[1].Body != "hi" || views[1].UserID != alice.ID {
		t.Fatalf("unexpected oldest message: %+v", views[1])
	}
	if views[1].AvatarURL != account.AvatarURL("alice@example.com") {
		t.Fatalf("avatar missing: %q", views[1].AvatarURL)
	}
	if len(env.events.events) != 2 || env.events.events[1].Body != "hello" {
		t.Fatalf("expected 2 published events, got %+v", env.events.events)
	}
}

func TestEmptyBodyRejectedWithoutMutation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	s := env.session(t)

	if _, err := env.svc.SendMessage(ctx, alice, s.ID, "   "); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
	views, _ := env.svc.FetchMessages(ctx, alice, s.ID)
	if len(views) != 0 {
		t.Fatalf("store mutated: %+v", views)
	}
	if len(env.events.events) != 0 {
		t.Fatalf("event published for rejected message")
	}
}

func TestAccessChecks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	editor := env.user(t, "ed", "editor")
	reader := env.user(t, "rita", "subscriber")
	locked := env.session(t, "editor")

	if _, err := env.svc.SendMessage(ctx, access.Anonymous, locked.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous: expected ErrForbidden, got %v", err)
	}
	if _, err := env.svc.SendMessage(ctx, reader, locked.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-editor: expected ErrForbidden, got %v", err)
	}
	if _, err := env.svc.FetchMessages(ctx, reader, locked.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-editor fetch: expected ErrForbidden, got %v", err)
	}
	if err := env.svc.SetTyping(ctx, reader, locked.ID, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-editor typing: expected ErrForbidden, got %v", err)
	}
	if _, err := env.svc.FetchTyping(ctx, reader, locked.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-editor typing fetch: expected ErrForbidden, got %v", err)
	}
	if _, err := env.svc.SendMessage(ctx, editor, locked.ID, "ok"); err != nil {
		t.Fatalf("editor send: %v", err)
	}
}

func TestInvalidSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	for _, id := range []int64{0, -1, 999} {
		if _, err := env.svc.SendMessage(ctx, alice, id, "x"); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("id %d: expected ErrInvalidSession, got %v", id, err)
		}
		if _, err := env.svc.FetchMessages(ctx, alice, id); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("id %d fetch: expected ErrInvalidSession, got %v", id, err)
		}
	}
	// anonymous is denied before the session is even resolved
	if _, err := env.svc.FetchMessages(ctx, access.Anonymous, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for anonymous, got %v", err)
	}
}

func TestTypingFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	s := env.session(t)

	if err := env.svc.SetTyping(ctx, alice, s.ID, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	names, err := env.svc.FetchTyping(ctx, bob, s.ID)
	if err != nil {
		t.Fatalf("FetchTyping: %v", err)
	}
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("expected alice typing, got %v", names)
	}
	self, _ := env.svc.FetchTyping(ctx, alice, s.ID)
	if len(self) != 0 {
		t.Fatalf("requester sees own typing signal: %v", self)
	}

	env.clock.Advance(6 * time.Second)
	names, _ = env.svc.FetchTyping(ctx, bob, s.ID)
	if len(names) != 0 {
		t.Fatalf("stale typing still visible: %v", names)
	}

	_ = env.svc.SetTyping(ctx, alice, s.ID, true)
	_ = env.svc.SetTyping(ctx, alice, s.ID, false)
	names, _ = env.svc.FetchTyping(ctx, bob, s.ID)
	if len(names) != 0 {
		t.Fatalf("stopped typing still visible: %v", names)
	}
}

func TestFetchLinkedProduct(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := env.user(t, "root", models.RoleAdministrator)
	s := env.session(t)

	product, found, err := env.svc.FetchLinkedProduct(ctx, s.ID)
	if err != nil || found || product != nil {
		t.Fatalf("unlinked session: product=%v found=%v err=%v", product, found, err)
	}
	if _, found, err := env.svc.FetchLinkedProduct(ctx, 4242); err != nil || found {
		t.Fatalf("unknown session must be empty result: found=%v err=%v", found, err)
	}
	if _, _, err := env.svc.FetchLinkedProduct(ctx, 0); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession for id 0, got %v", err)
	}

	p, err := env.catalog.Add(ctx, models.Product{Name: "Lamp", Price: "10", Permalink: "https://shop/lamp"})
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	if _, err := env.svc.LinkProduct(ctx, admin, s.ID, p.ID); err != nil {
		t.Fatalf("LinkProduct: %v", err)
	}
	product, found, err = env.svc.FetchLinkedProduct(ctx, s.ID)
	if err != nil || !found || product.Name != "Lamp" {
		t.Fatalf("linked product: %+v found=%v err=%v", product, found, err)
	}

	// product removed from the catalog
	if _, err := env.db.Exec(`DELETE FROM products WHERE id = ?`, p.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	if _, found, err := env.svc.FetchLinkedProduct(ctx, s.ID); err != nil || found {
		t.Fatalf("dangling link must be empty result: found=%v err=%v", found, err)
	}
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := env.user(t, "root", models.RoleAdministrator)
	alice := env.user(t, "alice")
	s := env.session(t)

	if _, err := env.svc.SetAllowedRoles(ctx, alice, s.ID, []string{"editor"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin: expected ErrForbidden, got %v", err)
	}
	updated, err := env.svc.SetAllowedRoles(ctx, admin, s.ID, []string{"editor"})
	if err != nil {
		t.Fatalf("SetAllowedRoles: %v", err)
	}
	if len(updated.AllowedRoles) != 1 || updated.AllowedRoles[0] != "editor" {
		t.Fatalf("roles not applied: %+v", updated)
	}
	if _, err := env.svc.SendMessage(ctx, alice, s.ID, "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected alice locked out, got %v", err)
	}
	if _, err := env.svc.SetAllowedRoles(ctx, admin, 999, nil); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := env.svc.LinkProduct(ctx, admin, s.ID, 555); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	if _, err := env.svc.ResolveSession(ctx, access.Anonymous, EmbedRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	own, err := env.svc.ResolveSession(ctx, alice, EmbedRequest{})
	if err != nil {
		t.Fatalf("ResolveSession own: %v", err)
	}
	if own.OwnerID != alice.ID || own.Title != "Chat Session for User 1" || own.Status != models.SessionStatusActive {
		t.Fatalf("unexpected own session: %+v", own)
	}
	again, _ := env.svc.ResolveSession(ctx, alice, EmbedRequest{})
	if again.ID != own.ID {
		t.Fatalf("own session not reused: %d vs %d", again.ID, own.ID)
	}

	p, _ := env.catalog.Add(ctx, models.Product{Name: "Desk"})
	first, err := env.svc.ResolveSession(ctx, alice, EmbedRequest{ProductID: p.ID})
	if err != nil {
		t.Fatalf("ResolveSession product: %v", err)
	}
	if first.Title != "Chat for Product: Desk" || first.ProductID != p.ID {
		t.Fatalf("unexpected product session: %+v", first)
	}
	second, _ := env.svc.ResolveSession(ctx, alice, EmbedRequest{ProductID: p.ID})
	if second.ID != first.ID {
		t.Fatalf("product session not reused: %d vs %d", second.ID, first.ID)
	}

	explicit, err := env.svc.ResolveSession(ctx, alice, EmbedRequest{SessionID: first.ID})
	if err != nil || explicit.ID != first.ID {
		t.Fatalf("explicit session: %+v err=%v", explicit, err)
	}
	if _, err := env.svc.ResolveSession(ctx, alice, EmbedRequest{SessionID: 987}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}

	locked := env.session(t, "editor")
	if _, err := env.svc.ResolveSession(ctx, alice, EmbedRequest{SessionID: locked.ID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.events.err = errors.New("broker down")
	alice := env.user(t, "alice")
	s := env.session(t)

	if _, err := env.svc.SendMessage(ctx, alice, s.ID, "still delivered"); err != nil {
		t.Fatalf("send must succeed when publish fails: %v", err)
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, int64, int64, string) (*models.Message, error) {
	return nil, errors.New("disk full")
}

func (failingStore) RecentMessages(context.Context, int64, int) ([]models.Message, error) {
	return nil, errors.New("disk full")
}

func TestStorageFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	s := env.session(t)
	svc := NewService(Deps{
		Messages:  failingStore{},
		Presence:  presence.NewTracker(presence.NewMemoryStore(env.clock, nil)),
		Sessions:  env.sessions,
		Directory: env.accounts,
	})

	if _, err := svc.SendMessage(ctx, alice, s.ID, "x"); !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if _, err := svc.FetchMessages(ctx, alice, s.ID); !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure on fetch, got %v", err)
	}
}

func TestGuestNameForDeletedAuthor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	s := env.session(t)

	_, _ = env.svc.SendMessage(ctx, bob, s.ID, "bye")
	if err := env.accounts.DeleteUser(ctx, bob.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	views, err := env.svc.FetchMessages(ctx, alice, s.ID)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(views) != 1 || views[0].UserName != account.GuestName {
		t.Fatalf("expected Guest author, got %+v", views)
	}
}

func TestTrimRoles(t *testing.T) {
	got := TrimRoles(" editor, Author ,,editor")
	if len(got) != 2 || got[0] != "author" || got[1] != "editor" {
		t.Fatalf("unexpected roles: %v", got)
	}
	if TrimRoles("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestRecentLimitCappedAtWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	wide := NewService(Deps{
		Messages:    message.NewStore(env.db),
		Presence:    presence.NewTracker(presence.NewMemoryStore(env.clock, nil), presence.WithClock(env.clock)),
		Sessions:    env.sessions,
		Directory:   env.accounts,
		RecentLimit: 500,
	})
	alice := env.user(t, "alice")
	s := env.session(t)
	for i := 0; i < message.DefaultLimit+5; i++ {
		if _, err := wide.SendMessage(ctx, alice, s.ID, "msg"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	views, err := wide.FetchMessages(ctx, alice, s.ID)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if len(views) != message.DefaultLimit {
		t.Fatalf("expected %d messages, got %d", message.DefaultLimit, len(views))
	}
}
