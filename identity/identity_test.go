package identity_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldledger/microledger/config"
	"github.com/fieldledger/microledger/identity"
	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var admin = ledger.Actor{StaffID: "admin", Role: ledger.RoleAdmin}

type fixture struct {
	ctx   context.Context
	now   time.Time
	mem   *store.Memory
	svc   *identity.Service
	token *identity.TokenService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx: context.Background(),
		now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
		mem: store.NewMemory(),
	}
	clock := func() time.Time { return f.now }
	f.token = identity.NewTokenService(config.AuthConfig{Secret: "test-secret", Issuer: "microledger", TokenTTL: time.Hour}).
		WithClock(clock)
	n := 0
	f.svc = identity.NewService(f.mem, f.token,
		identity.WithHasher(identity.NewHasher(bcrypt.MinCost)),
		identity.WithClock(clock),
		identity.WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	)
	return f
}

func (f *fixture) staff(t *testing.T, name, email, password string) ledger.Staff {
	t.Helper()
	st, err := f.svc.CreateStaff(f.ctx, admin, identity.NewStaff{Name: name, Email: email, Password: password})
	require.NoError(t, err)
	return st
}

// =============================================================================
// PASSWORDS AND TOKENS
// =============================================================================

func TestHasher(t *testing.T) {
	h := identity.NewHasher(bcrypt.MinCost)
	hash, err := h.Hash("admin123")
	require.NoError(t, err)

	assert.NotEqual(t, "admin123", hash)
	assert.True(t, h.Verify(hash, "admin123"))
	assert.False(t, h.Verify(hash, "admin124"))
	assert.False(t, h.Verify("not-a-hash", "admin123"))
}

func TestTokenService_RoundTrip(t *testing.T) {
	f := newFixture(t)

	tok, err := f.token.Issue(ledger.Staff{ID: "s1", Role: ledger.RoleStaff})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)
	assert.Equal(t, f.now.Add(time.Hour), tok.ExpiresAt)

	actor, err := f.token.Parse(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, ledger.Actor{StaffID: "s1", Role: ledger.RoleStaff}, actor)
}

func TestTokenService_Rejects(t *testing.T) {
	f := newFixture(t)
	tok, err := f.token.Issue(ledger.Staff{ID: "s1", Role: ledger.RoleAdmin})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := identity.NewTokenService(config.AuthConfig{Secret: "test-secret", Issuer: "microledger"}).
			WithClock(func() time.Time { return f.now.Add(2 * time.Hour) })
		_, err := later.Parse(tok.Value)
		assert.ErrorIs(t, err, identity.ErrExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := identity.NewTokenService(config.AuthConfig{Secret: "other", Issuer: "microledger"}).
			WithClock(func() time.Time { return f.now })
		_, err := other.Parse(tok.Value)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := identity.NewTokenService(config.AuthConfig{Secret: "test-secret", Issuer: "elsewhere"}).
			WithClock(func() time.Time { return f.now })
		_, err := other.Parse(tok.Value)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		claims := identity.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "microledger",
				ExpiresAt: jwt.NewNumericDate(f.now.Add(time.Hour)),
			},
			StaffID: "s1",
			Role:    "admin",
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = f.token.Parse(raw)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("unknown role", func(t *testing.T) {
		bad, err := f.token.Issue(ledger.Staff{ID: "s1", Role: "guest"})
		require.NoError(t, err)
		_, err = f.token.Parse(bad.Value)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := f.token.Parse("not.a.token")
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})
}

// =============================================================================
// LOGIN AND SEEDING
// =============================================================================

func TestSeedAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	accounts := []config.SeedAccount{
		{Name: "Admin", Email: "admin@example.com", Password: "admin123", Role: "admin"},
		{Name: "Staff", Email: "staff@example.com", Password: "staff123", Role: "staff"},
	}

	// GIVEN: a fresh store seeded twice
	n, err := f.svc.Seed(f.ctx, accounts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.svc.Seed(f.ctx, accounts)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second seed creates nothing")

	// WHEN: the admin logs in with a differently cased email
	sess, err := f.svc.Authenticate(f.ctx, " Admin@Example.com ", "admin123")

	// THEN: the token resolves to the admin actor
	require.NoError(t, err)
	assert.Equal(t, ledger.RoleAdmin, sess.Staff.Role)
	actor, err := f.svc.Actor(sess.Token.Value)
	require.NoError(t, err)
	assert.Equal(t, sess.Staff.ID, actor.StaffID)
	assert.True(t, actor.IsAdmin())

	_, err = f.svc.Authenticate(f.ctx, "admin@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = f.svc.Authenticate(f.ctx, "nobody@example.com", "admin123")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestSeed_InvalidAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Seed(f.ctx, []config.SeedAccount{{Name: "X", Email: "x@example.com", Password: "p", Role: "owner"}})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// STAFF ADMINISTRATION
// =============================================================================

func TestStaffLifecycle(t *testing.T) {
	f := newFixture(t)

	// GIVEN: two staff accounts
	rahim := f.staff(t, "Rahim", "rahim@example.com", "pw1")
	f.staff(t, "Anika", "anika@example.com", "pw2")
	assert.Equal(t, ledger.RoleStaff, rahim.Role)

	list, err := f.svc.ListStaff(f.ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Anika", list[0].Name)

	// WHEN: an email is reused
	_, err = f.svc.CreateStaff(f.ctx, admin, identity.NewStaff{Name: "Dup", Email: "RAHIM@example.com", Password: "x"})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	// WHEN: Rahim's password changes
	updated, err := f.svc.UpdateStaff(f.ctx, admin, rahim.ID, identity.StaffUpdate{Name: "Rahim Uddin", Password: "pw9"})
	require.NoError(t, err)
	assert.Equal(t, "Rahim Uddin", updated.Name)
	assert.Equal(t, "rahim@example.com", updated.Email, "empty fields are unchanged")

	_, err = f.svc.Authenticate(f.ctx, "rahim@example.com", "pw1")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = f.svc.Authenticate(f.ctx, "rahim@example.com", "pw9")
	require.NoError(t, err)

	// WHEN: Rahim is deleted
	require.NoError(t, f.svc.DeleteStaff(f.ctx, admin, rahim.ID))
	err = f.svc.DeleteStaff(f.ctx, admin, rahim.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStaffAdministration_Guards(t *testing.T) {
	f := newFixture(t)
	staff := f.staff(t, "Rahim", "rahim@example.com", "pw")
	boss, err := f.svc.CreateStaff(f.ctx, admin, identity.NewStaff{Name: "Boss", Email: "boss@example.com", Password: "pw", Role: ledger.RoleAdmin})
	require.NoError(t, err)

	_, err = f.svc.CreateStaff(f.ctx, staff.Actor(), identity.NewStaff{Name: "X", Email: "x@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.svc.ListStaff(f.ctx, staff.Actor())
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.svc.CreateStaff(f.ctx, admin, identity.NewStaff{Name: "", Email: "x@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.svc.UpdateStaff(f.ctx, admin, boss.ID, identity.StaffUpdate{Name: "Renamed"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "admin accounts are not managed here")

	err = f.svc.DeleteStaff(f.ctx, admin, boss.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// MESSAGES
// =============================================================================

func TestMessages(t *testing.T) {
	f := newFixture(t)
	rahim := f.staff(t, "Rahim", "rahim@example.com", "pw")
	anika := f.staff(t, "Anika", "anika@example.com", "pw")

	// GIVEN: two messages to Rahim and one to Anika
	first, err := f.svc.SendMessage(f.ctx, admin, rahim.ID, "Visit Karim today")
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	_, err = f.svc.SendMessage(f.ctx, admin, rahim.ID, "Bring the ledger")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(f.ctx, admin, anika.ID, "Meeting at 5")
	require.NoError(t, err)

	// THEN: Rahim sees only his, newest first; admin sees all
	mine, err := f.svc.Messages(f.ctx, rahim.Actor())
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "Bring the ledger", mine[0].Content)

	all, err := f.svc.Messages(f.ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// WHEN: Anika tries to mark Rahim's message read
	_, err = f.svc.MarkMessageRead(f.ctx, anika.Actor(), first.ID)
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	// WHEN: Rahim marks it read
	read, err := f.svc.MarkMessageRead(f.ctx, rahim.Actor(), first.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	stored, err := f.mem.Message(f.ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)

	// Guards
	_, err = f.svc.SendMessage(f.ctx, rahim.Actor(), anika.ID, "hi")
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)
	_, err = f.svc.SendMessage(f.ctx, admin, rahim.ID, "   ")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = f.svc.SendMessage(f.ctx, admin, "ghost", "hello")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.svc.MarkMessageRead(f.ctx, rahim.Actor(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
