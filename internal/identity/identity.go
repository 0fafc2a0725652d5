// Package identity owns user signup and login. Passwords are stored as bcrypt hashes.
package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/storage"
)

// MinPasswordLength is the shortest password Signup accepts.
const MinPasswordLength = 8

// User is the public view of a stored user.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func fromRecord(r storage.UserRecord) User {
	return User{ID: r.ID, Name: r.Name, Email: r.Email, CreatedAt: r.CreatedAt}
}

// Service signs users up and authenticates them.
type Service struct {
	users storage.UserStore
	cost  int
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates an identity service over users.
func New(users storage.UserStore, opts ...Option) *Service {
	s := &Service{
		users: users,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup registers a new user. The email must be unused.
func (s *Service) Signup(_ context.Context, name, email, password string) (User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" {
		return User{}, apperr.New(apperr.KindInvalid, "signup", "name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, apperr.New(apperr.KindInvalid, "signup", "invalid email %q", email)
	}
	if len(password) < MinPasswordLength {
		return User{}, apperr.New(apperr.KindInvalid, "signup", "password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return User{}, apperr.New(apperr.KindInvalid, "signup", "password is longer than 72 bytes")
		}
		return User{}, apperr.Wrap(apperr.KindInternal, "signup", err)
	}

	rec := storage.UserRecord{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(rec); err != nil {
		return User{}, err
	}

	s.log.Info().Str("user_id", rec.ID).Msg("user signed up")
	return fromRecord(rec), nil
}

// Login checks email and password. Unknown emails and wrong passwords
// fail the same way.
func (s *Service) Login(_ context.Context, email, password string) (User, error) {
	rec, err := s.users.GetByEmail(email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, apperr.New(apperr.KindUnauthenticated, "login", "invalid email or password")
		}
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		s.log.Debug().Str("user_id", rec.ID).Msg("login rejected")
		return User{}, apperr.New(apperr.KindUnauthenticated, "login", "invalid email or password")
	}
	return fromRecord(rec), nil
}

// Get returns the user with id.
func (s *Service) Get(_ context.Context, id string) (User, error) {
	rec, err := s.users.Get(id)
	if err != nil {
		return User{}, err
	}
	return fromRecord(rec), nil
}
