package account

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"pollchat/internal/config"
	"pollchat/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewService(db).WithCost(bcrypt.MinCost), db
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	user, err := svc.RegisterUser(ctx, RegisterInput{
		Username:    "alice",
		Password:    "s3cret",
		DisplayName: "Alice A.",
		Email:       "Alice@Example.com ",
		Roles:       []string{"Editor"},
	})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	var stored string
	if err := db.QueryRow(`SELECT password_hash FROM users WHERE id = ?`, user.ID).Scan(&stored); err != nil {
		t.Fatalf("query hash: %v", err)
	}
	if stored == "s3cret" || !strings.HasPrefix(stored, "$2") {
		t.Fatalf("password not bcrypt hashed: %q", stored)
	}

	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID || got.Name() != "Alice A." || !reflect.DeepEqual(got.Roles, []string{"editor"}) {
		t.Fatalf("unexpected user: %+v", got)
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, RegisterInput{Username: "alice", Password: "x"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, RegisterInput{Username: " ", Password: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestActorResolution(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user, err := svc.RegisterUser(ctx, RegisterInput{Username: "bob", Password: "pw"})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if err := svc.SetRoles(ctx, user.ID, []string{"author", "editor"}); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}

	actor, err := svc.Actor(ctx, user.ID)
	if err != nil {
		t.Fatalf("Actor: %v", err)
	}
	if !actor.Authenticated || actor.ID != user.ID || actor.Name != "bob" || !actor.HasRole("editor") {
		t.Fatalf("unexpected actor: %+v", actor)
	}

	missing, err := svc.Actor(ctx, 999)
	if err != nil {
		t.Fatalf("Actor missing: %v", err)
	}
	if missing.Authenticated {
		t.Fatalf("unknown user must resolve to anonymous")
	}
}

func TestProfilesFallBackToGuest(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	carol, _ := svc.RegisterUser(ctx, RegisterInput{Username: "carol", Password: "pw", Email: "carol@example.com"})
	dave, _ := svc.RegisterUser(ctx, RegisterInput{Username: "dave", Password: "pw"})
	if err := svc.DeleteUser(ctx, dave.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	profiles, err := svc.Profiles(ctx, []int64{carol.ID, dave.ID, carol.ID, 0})
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if profiles[carol.ID].Name != "carol" || profiles[carol.ID].AvatarURL != AvatarURL("carol@example.com") {
		t.Fatalf("unexpected profile: %+v", profiles[carol.ID])
	}
	if profiles[dave.ID].Name != GuestName || profiles[dave.ID].AvatarURL != "" {
		t.Fatalf("deleted user should be Guest: %+v", profiles[dave.ID])
	}
	if profiles[0].Name != GuestName {
		t.Fatalf("zero id should be Guest")
	}
}

func TestAvatarURLNormalizesEmail(t *testing.T) {
	want := "https://www.gravatar.com/avatar/0bc83cb571cd1c50ba6f3e8a78ef1346?s=48&d=mp"
	if got := AvatarURL("  MyEmailAddress@example.com "); got != want {
		t.Fatalf("AvatarURL = %q, want %q", got, want)
	}
}
