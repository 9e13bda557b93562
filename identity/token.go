/*
Package identity authenticates staff and manages accounts and messages.

PURPOSE:
  The ledger engine trusts the Actor it is handed. This package is where an
  Actor comes from: a staff member logs in with email and password, receives
  a signed token, and every later request presents that token.

KEY CONCEPTS:
  Hasher:       bcrypt password hashing
  TokenService: HS256 JWT issue/parse; claims carry the staff ID and role
  Service:      Login, staff administration, seeding, admin-to-staff messages

SEE ALSO:
  - ledger/policy.go: Which role may call what
  - config/config.go: AuthConfig and SeedConfig
*/
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldledger/microledger/config"
	"github.com/fieldledger/microledger/ledger"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token has expired")
)

// =============================================================================
// PASSWORDS
// =============================================================================

type Hasher struct {
	cost int
}

// NewHasher returns a bcrypt hasher. Out-of-range costs fall back to
// bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash.
func (h *Hasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// =============================================================================
// TOKENS
// =============================================================================

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	StaffID string `json:"staff_id"`
	Role    string `json:"role"`
}

// Token is a signed bearer token and its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Type      string    `json:"token_type"`
}

type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(cfg config.AuthConfig) *TokenService {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the time source used to stamp and check tokens.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Issue signs a token for the staff member.
func (s *TokenService) Issue(st ledger.Staff) (Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   string(st.ID),
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		StaffID: string(st.ID),
		Role:    string(st.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp, Type: "Bearer"}, nil
}

// Parse validates a token and returns the Actor it was issued for.
func (s *TokenService) Parse(raw string) (ledger.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ledger.Actor{}, ErrExpiredToken
		}
		return ledger.Actor{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.StaffID == "" {
		return ledger.Actor{}, ErrInvalidToken
	}
	actor := ledger.Actor{StaffID: ledger.StaffID(claims.StaffID), Role: ledger.Role(claims.Role)}
	if !actor.Role.Valid() {
		return ledger.Actor{}, ErrInvalidToken
	}
	return actor, nil
}
