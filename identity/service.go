package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/config"
	"github.com/fieldledger/microledger/ledger"
)

// Store is the slice of persistence the identity service needs.
type Store interface {
	Staff(ctx context.Context, id ledger.StaffID) (ledger.Staff, error)
	StaffByEmail(ctx context.Context, email string) (ledger.Staff, error)
	ListStaff(ctx context.Context, role ledger.Role) ([]ledger.Staff, error)
	PutStaff(ctx context.Context, s ledger.Staff) error
	DeleteStaff(ctx context.Context, id ledger.StaffID) error
	ledger.MessageStore
}

const opLogin ledger.Operation = "login"

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  Store
	hasher *Hasher
	tokens *TokenService
	policy ledger.Policy
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

type Option func(*Service)

func WithHasher(h *Hasher) Option { return func(s *Service) { s.hasher = h } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(gen func() string) Option { return func(s *Service) { s.newID = gen } }

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

func WithPolicy(p ledger.Policy) Option { return func(s *Service) { s.policy = p } }

func NewService(store Store, tokens *TokenService, opts ...Option) *Service {
	s := &Service{
		store:  store,
		hasher: NewHasher(0),
		tokens: tokens,
		policy: ledger.DefaultPolicy,
		now:    time.Now,
		newID:  uuid.NewString,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the token service for request authentication.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Session is the result of a successful login.
type Session struct {
	Token Token
	Staff ledger.Staff
}

// Authenticate checks email and password and issues a token. Unknown
// emails and wrong passwords both return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	st, err := s.store.StaffByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if ledger.IsNotFound(err) {
			s.log.Warn("login rejected", zap.String("email", email))
			return nil, ErrInvalidCredentials
		}
		return nil, &ledger.StorageError{Operation: opLogin, Err: err}
	}
	if !s.hasher.Verify(st.PasswordHash, password) {
		s.log.Warn("login rejected", zap.String("email", email))
		return nil, ErrInvalidCredentials
	}
	tok, err := s.tokens.Issue(st)
	if err != nil {
		return nil, err
	}
	s.log.Info("login", zap.String("staff_id", string(st.ID)), zap.String("role", string(st.Role)))
	return &Session{Token: tok, Staff: st}, nil
}

// Actor resolves a bearer token to the caller.
func (s *Service) Actor(token string) (ledger.Actor, error) {
	return s.tokens.Parse(token)
}

// =============================================================================
// STAFF ADMINISTRATION
// =============================================================================

type NewStaff struct {
	Name     string
	Email    string
	Password string
	Role     ledger.Role // defaults to staff
}

// StaffUpdate changes the non-empty fields only.
type StaffUpdate struct {
	Name     string
	Email    string
	Password string
}

func (s *Service) CreateStaff(ctx context.Context, actor ledger.Actor, in NewStaff) (ledger.Staff, error) {
	if err := s.policy.Authorize(actor, ledger.OpManageStaff); err != nil {
		return ledger.Staff{}, err
	}
	st, err := s.create(ctx, in)
	if err != nil {
		return ledger.Staff{}, err
	}
	s.log.Info("staff created",
		zap.String("by", string(actor.StaffID)),
		zap.String("staff_id", string(st.ID)),
		zap.String("role", string(st.Role)))
	return st, nil
}

func (s *Service) create(ctx context.Context, in NewStaff) (ledger.Staff, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	if in.Role == "" {
		in.Role = ledger.RoleStaff
	}
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return ledger.Staff{}, fmt.Errorf("name, email and password are required: %w", ledger.ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return ledger.Staff{}, fmt.Errorf("role %q: %w", in.Role, ledger.ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return ledger.Staff{}, err
	}
	st := ledger.Staff{
		ID:           ledger.StaffID(s.newID()),
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		CreatedAt:    s.now(),
	}
	if err := s.store.PutStaff(ctx, st); err != nil {
		return ledger.Staff{}, storageErr(ledger.OpManageStaff, err)
	}
	return st, nil
}

// UpdateStaff edits a staff account. Admin accounts cannot be edited here.
func (s *Service) UpdateStaff(ctx context.Context, actor ledger.Actor, id ledger.StaffID, in StaffUpdate) (ledger.Staff, error) {
	if err := s.policy.Authorize(actor, ledger.OpManageStaff); err != nil {
		return ledger.Staff{}, err
	}
	st, err := s.staffAccount(ctx, id)
	if err != nil {
		return ledger.Staff{}, err
	}
	if v := strings.TrimSpace(in.Name); v != "" {
		st.Name = v
	}
	if v := strings.TrimSpace(in.Email); v != "" {
		st.Email = v
	}
	if in.Password != "" {
		if st.PasswordHash, err = s.hasher.Hash(in.Password); err != nil {
			return ledger.Staff{}, err
		}
	}
	if err := s.store.PutStaff(ctx, st); err != nil {
		return ledger.Staff{}, storageErr(ledger.OpManageStaff, err)
	}
	s.log.Info("staff updated", zap.String("by", string(actor.StaffID)), zap.String("staff_id", string(id)))
	return st, nil
}

// DeleteStaff removes a staff account. Their customers keep the owner ID.
func (s *Service) DeleteStaff(ctx context.Context, actor ledger.Actor, id ledger.StaffID) error {
	if err := s.policy.Authorize(actor, ledger.OpManageStaff); err != nil {
		return err
	}
	if _, err := s.staffAccount(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteStaff(ctx, id); err != nil {
		return storageErr(ledger.OpManageStaff, err)
	}
	s.log.Info("staff deleted", zap.String("by", string(actor.StaffID)), zap.String("staff_id", string(id)))
	return nil
}

// ListStaff returns the staff-role accounts ordered by name.
func (s *Service) ListStaff(ctx context.Context, actor ledger.Actor) ([]ledger.Staff, error) {
	if err := s.policy.Authorize(actor, ledger.OpManageStaff); err != nil {
		return nil, err
	}
	list, err := s.store.ListStaff(ctx, ledger.RoleStaff)
	if err != nil {
		return nil, storageErr(ledger.OpManageStaff, err)
	}
	return list, nil
}

func (s *Service) staffAccount(ctx context.Context, id ledger.StaffID) (ledger.Staff, error) {
	st, err := s.store.Staff(ctx, id)
	if err != nil {
		return ledger.Staff{}, storageErr(ledger.OpManageStaff, err)
	}
	if st.Role != ledger.RoleStaff {
		return ledger.Staff{}, fmt.Errorf("%s is not a staff account: %w", id, ledger.ErrInvalidInput)
	}
	return st, nil
}

// Seed creates each account whose email is not yet registered and returns
// how many were created.
func (s *Service) Seed(ctx context.Context, accounts []config.SeedAccount) (int, error) {
	created := 0
	for _, a := range accounts {
		_, err := s.store.StaffByEmail(ctx, a.Email)
		if err == nil {
			continue
		}
		if !ledger.IsNotFound(err) {
			return created, storageErr(ledger.OpManageStaff, err)
		}
		st, err := s.create(ctx, NewStaff{Name: a.Name, Email: a.Email, Password: a.Password, Role: ledger.Role(a.Role)})
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", a.Email, err)
		}
		created++
		s.log.Info("seeded account", zap.String("email", st.Email), zap.String("role", string(st.Role)))
	}
	return created, nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// SendMessage delivers a note from an admin to one staff member.
func (s *Service) SendMessage(ctx context.Context, actor ledger.Actor, to ledger.StaffID, content string) (ledger.Message, error) {
	if err := s.policy.Authorize(actor, ledger.OpSendMessage); err != nil {
		return ledger.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ledger.Message{}, fmt.Errorf("message content is required: %w", ledger.ErrInvalidInput)
	}
	if _, err := s.store.Staff(ctx, to); err != nil {
		return ledger.Message{}, storageErr(ledger.OpSendMessage, err)
	}
	m := ledger.Message{
		ID:        ledger.MessageID(s.newID()),
		StaffID:   to,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.PutMessage(ctx, m); err != nil {
		return ledger.Message{}, storageErr(ledger.OpSendMessage, err)
	}
	s.log.Info("message sent", zap.String("from", string(actor.StaffID)), zap.String("to", string(to)))
	return m, nil
}

// MarkMessageRead flags a message as read. Only its addressee may do so.
func (s *Service) MarkMessageRead(ctx context.Context, actor ledger.Actor, id ledger.MessageID) (ledger.Message, error) {
	if err := s.policy.Authorize(actor, ledger.OpReadMessages); err != nil {
		return ledger.Message{}, err
	}
	m, err := s.store.Message(ctx, id)
	if err != nil {
		return ledger.Message{}, storageErr(ledger.OpReadMessages, err)
	}
	if m.StaffID != actor.StaffID {
		return ledger.Message{}, fmt.Errorf("message %s belongs to another staff member: %w", id, ledger.ErrAccessDenied)
	}
	if m.IsRead {
		return m, nil
	}
	m.IsRead = true
	if err := s.store.PutMessage(ctx, m); err != nil {
		return ledger.Message{}, storageErr(ledger.OpReadMessages, err)
	}
	return m, nil
}

// Messages lists the caller's messages newest first. Admins see all.
func (s *Service) Messages(ctx context.Context, actor ledger.Actor) ([]ledger.Message, error) {
	if err := s.policy.Authorize(actor, ledger.OpReadMessages); err != nil {
		return nil, err
	}
	var staffID ledger.StaffID
	if !actor.IsAdmin() {
		staffID = actor.StaffID
	}
	msgs, err := s.store.Messages(ctx, staffID)
	if err != nil {
		return nil, storageErr(ledger.OpReadMessages, err)
	}
	return msgs, nil
}

// storageErr passes domain errors through and wraps everything else.
func storageErr(op ledger.Operation, err error) error {
	if ledger.IsNotFound(err) || errors.Is(err, ledger.ErrDuplicate) || errors.Is(err, ledger.ErrInvalidInput) {
		return err
	}
	return &ledger.StorageError{Operation: op, Err: err}
}
