// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/penshort/accounts/internal/auth"
	"github.com/penshort/accounts/internal/cache"
	"github.com/penshort/accounts/internal/events"
	"github.com/penshort/accounts/internal/metrics"
	"github.com/penshort/accounts/internal/model"
	"github.com/penshort/accounts/internal/repository"
	"github.com/penshort/accounts/internal/token"
)

const (
	maxUsernameLength = 180
	maxEmailLength    = 255
	maxPasswordLength = 1024
)

// UserStore persists user records. Implemented by repository.Repository
// and sqlite.Store.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, id int64, upd model.UserUpdate) (*model.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// ProfileCache caches public profiles. Implemented by cache.Cache.
type ProfileCache interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	Generation(ctx context.Context, id int64) (int64, error)
	SetUser(ctx context.Context, user *model.User, ttl time.Duration, gen int64) error
	DeleteUser(ctx context.Context, id int64) error
	IsNegativelyCached(ctx context.Context, id int64) (bool, error)
	SetNegativeCache(ctx context.Context, id int64, gen int64) error
}

// EventPublisher emits account events. Implemented by events.Publisher.
type EventPublisher interface {
	PublishAsync(event events.AccountEvent)
}

// UserServiceConfig wires a UserService. Cache, Events, Metrics and Logger
// are optional.
type UserServiceConfig struct {
	Store    UserStore
	Cache    ProfileCache
	Events   EventPublisher
	CacheTTL time.Duration
	Hasher   *auth.Hasher
	Tokens   *token.Manager
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// UserService handles account and login business logic.
type UserService struct {
	store    UserStore
	cache    ProfileCache
	events   EventPublisher
	cacheTTL time.Duration
	hasher   *auth.Hasher
	tokens   *token.Manager
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewUserService creates a new UserService.
func NewUserService(cfg UserServiceConfig) *UserService {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &UserService{
		store:    cfg.Store,
		cache:    cfg.Cache,
		events:   cfg.Events,
		cacheTTL: cfg.CacheTTL,
		hasher:   cfg.Hasher,
		tokens:   cfg.Tokens,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// RegisterInput defines input for creating an account.
type RegisterInput struct {
	Username string
	Password string
	Email    string
}

// Register validates input, hashes the password and stores a new user.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (*model.User, error) {
	username, err := normalizeUsername(input.Username)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := model.NewUser(username, hash, email)
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Clear any negative entry cached for this id before the insert.
	s.invalidate(ctx, user.ID)
	s.metrics.IncUserRegistered()
	s.emit(events.NewEvent(events.UserRegistered, user.ID))

	return user, nil
}

// LoginInput defines input for a credential check.
type LoginInput struct {
	Username string
	Password string
}

// LoginResult is a successful login.
type LoginResult struct {
	User      *model.User
	Token     string
	ExpiresIn time.Duration
}

// Login checks credentials and issues a token. Unknown usernames and wrong
// passwords both yield ErrInvalidCredentials after a comparable amount of work.
func (s *UserService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveLoginDuration(time.Since(start))
	}()

	if strings.TrimSpace(input.Username) == "" {
		return nil, invalid("username", "is required")
	}
	if input.Password == "" {
		return nil, invalid("password", "is required")
	}

	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(input.Username))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.hasher.CompareDummy(input.Password)
			s.loginFailed(input.Username, 0)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	ok, err := s.hasher.Matches(input.Password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("stored password hash unreadable",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		s.loginFailed(input.Username, user.ID)
		return nil, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, input.Password)
	}

	tok, err := s.tokens.Issue(token.Payload{UserID: user.ID})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.metrics.IncLogin(metrics.LoginSuccess)
	s.emit(events.NewEvent(events.LoginSucceeded, user.ID))

	return &LoginResult{
		User:      user,
		Token:     tok,
		ExpiresIn: s.tokens.TTL(),
	}, nil
}

func (s *UserService) loginFailed(username string, userID int64) {
	s.metrics.IncLogin(metrics.LoginInvalidCredentials)

	event := events.NewEvent(events.LoginFailed, userID)
	event.Subject = auth.QuickHash(strings.TrimSpace(username))
	s.emit(event)
}

// upgradeHash rewrites a legacy or outdated hash. Failures are logged only;
// the login itself has already succeeded.
func (s *UserService) upgradeHash(ctx context.Context, id int64, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("password rehash failed", slog.Int64("user_id", id), slog.String("error", err.Error()))
		return
	}
	if _, err := s.store.UpdateUser(ctx, id, model.UserUpdate{PasswordHash: &hash}); err != nil {
		s.logger.Warn("password rehash not stored", slog.Int64("user_id", id), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("password hash upgraded", slog.Int64("user_id", id))
}

// GetUser retrieves a user profile by ID, consulting the cache first.
// Profiles served from cache carry no password hash. The cache generation is
// read before the store so a concurrent update or delete wins over this fill.
func (s *UserService) GetUser(ctx context.Context, id int64) (*model.User, error) {
	if id <= 0 {
		return nil, ErrUserNotFound
	}

	fill := false
	var gen int64
	if s.cache != nil {
		if neg, err := s.cache.IsNegativelyCached(ctx, id); err == nil && neg {
			s.metrics.IncProfileCacheHit()
			return nil, ErrUserNotFound
		}
		cached, err := s.cache.GetUser(ctx, id)
		if err == nil {
			s.metrics.IncProfileCacheHit()
			return cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("profile cache read failed", slog.Int64("user_id", id), slog.String("error", err.Error()))
		}
		s.metrics.IncProfileCacheMiss()

		if gen, err = s.cache.Generation(ctx, id); err == nil {
			fill = true
		}
	}

	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			if fill {
				_ = s.cache.SetNegativeCache(ctx, id, gen)
			}
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if fill {
		err := s.cache.SetUser(ctx, user, s.cacheTTL, gen)
		if err != nil && !errors.Is(err, cache.ErrStale) {
			s.logger.Warn("profile cache write failed", slog.Int64("user_id", id), slog.String("error", err.Error()))
		}
	}

	return user, nil
}

// UpdateInput defines a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Username *string
	Email    *string
	Password *string
}

func (in UpdateInput) changedFields() []string {
	var fields []string
	if in.Username != nil {
		fields = append(fields, "username")
	}
	if in.Email != nil {
		fields = append(fields, "email")
	}
	if in.Password != nil {
		fields = append(fields, "password")
	}
	return fields
}

// UpdateUser applies a partial update. A missing account is reported before
// any field is validated. A new password is re-hashed.
func (s *UserService) UpdateUser(ctx context.Context, id int64, input UpdateInput) (*model.User, error) {
	current, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	var upd model.UserUpdate

	if input.Username != nil {
		username, err := normalizeUsername(*input.Username)
		if err != nil {
			return nil, err
		}
		upd.Username = &username
	}
	if input.Email != nil {
		email, err := normalizeEmail(*input.Email)
		if err != nil {
			return nil, err
		}
		upd.Email = &email
	}
	if input.Password != nil {
		if err := validatePassword(*input.Password); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(*input.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		upd.PasswordHash = &hash
	}
	if upd.IsEmpty() {
		return current, nil
	}

	user, err := s.store.UpdateUser(ctx, id, upd)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, ErrUserNotFound
		case errors.Is(err, repository.ErrUsernameTaken):
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	s.invalidate(ctx, id)
	s.metrics.IncUserUpdated()

	event := events.NewEvent(events.UserUpdated, id)
	event.Fields = input.changedFields()
	s.emit(event)

	return user, nil
}

// DeleteUser removes a user.
func (s *UserService) DeleteUser(ctx context.Context, id int64) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.invalidate(ctx, id)
	s.metrics.IncUserDeleted()
	s.emit(events.NewEvent(events.UserDeleted, id))

	return nil
}

func (s *UserService) emit(event events.AccountEvent) {
	if s.events != nil {
		s.events.PublishAsync(event)
	}
}

func (s *UserService) invalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteUser(ctx, id); err != nil {
		s.logger.Warn("profile cache invalidation failed", slog.Int64("user_id", id), slog.String("error", err.Error()))
	}
}

func normalizeUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	switch {
	case username == "":
		return "", invalid("username", "is required")
	case utf8.RuneCountInString(username) > maxUsernameLength:
		return "", invalid("username", fmt.Sprintf("must be at most %d characters", maxUsernameLength))
	}
	return username, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	switch {
	case email == "":
		return "", invalid("email", "is required")
	case len(email) > maxEmailLength:
		return "", invalid("email", fmt.Sprintf("must be at most %d characters", maxEmailLength))
	case !strings.Contains(email, "@"):
		return "", invalid("email", "must be an email address")
	}
	return email, nil
}

func validatePassword(password string) error {
	switch {
	case password == "":
		return invalid("password", "is required")
	case len(password) > maxPasswordLength:
		return invalid("password", fmt.Sprintf("must be at most %d bytes", maxPasswordLength))
	}
	return nil
}
