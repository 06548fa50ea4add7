package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/copydesk/copydesk/internal/auth"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords so login failures do not reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound indicates the requested account does not exist.
	ErrUserNotFound = errors.New("user not found")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceConfig describes the dependencies required for account lookups.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service manages user accounts and credential checks.
type Service struct {
	db *gorm.DB
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Service{db: cfg.Database}, nil
}

// Authenticate verifies a username/password pair and returns the matching
// account. The bcrypt comparison runs even for plausible-looking failures so
// the two rejection paths stay close in cost.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	name := strings.TrimSpace(username)
	if name == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	var account User
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return account, nil
}

// ByID returns the account with the given identifier.
func (s *Service) ByID(ctx context.Context, id int64) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return account, nil
}

// EnsureUser creates the account when the username is not taken yet and
// returns the existing account otherwise. Used to seed the first admin on a
// fresh database.
func (s *Service) EnsureUser(ctx context.Context, username, password, role string) (User, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if role != auth.RoleAdmin && role != auth.RoleUser {
		return User{}, fmt.Errorf("unknown role %q", role)
	}

	var existing User
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	account := User{
		Username:     name,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return User{}, err
	}
	return account, nil
}

// Identity converts the stored account into the principal attached to
// sessions and sockets.
func (u User) Identity() auth.Identity {
	return auth.Identity{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
	}
}

// HashPassword derives the bcrypt hash stored for an account.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
