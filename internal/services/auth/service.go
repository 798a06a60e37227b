// Package auth implements password login and opaque bearer sessions.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a bad username/password pair. The
// same error covers unknown users so the API does not leak which part was
// wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidSession is returned for a missing, expired or revoked token
var ErrInvalidSession = errors.New("invalid session")

const sessionTTL = 24 * time.Hour

type session struct {
	userID    int64
	expiresAt time.Time
}

// Service authenticates users and manages in-memory bearer sessions
type Service struct {
	logger   arbor.ILogger
	storage  interfaces.StorageManager
	mu       sync.RWMutex
	sessions map[string]session
}

// NewService creates an auth service
func NewService(logger arbor.ILogger, storage interfaces.StorageManager) *Service {
	return &Service{
		logger:   logger,
		storage:  storage,
		sessions: make(map[string]session),
	}
}

// HashPassword hashes a plaintext password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login verifies credentials and returns a new session token
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	user, err := s.storage.Users().GetUserByUsername(ctx, username)
	if errors.Is(err, interfaces.ErrNotFound) {
		// Burn a comparison so unknown users cost the same as bad passwords
		bcrypt.CompareHashAndPassword([]byte("$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva"), []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if !user.Active {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	s.sessions[token] = session{userID: user.ID, expiresAt: time.Now().Add(sessionTTL)}
	s.mu.Unlock()

	s.logger.Info().Str("username", username).Msg("User logged in")
	return token, user, nil
}

// Authenticate resolves a bearer token to its user
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(sess.expiresAt) {
		if ok {
			s.mu.Lock()
			delete(s.sessions, token)
			s.mu.Unlock()
		}
		return nil, ErrInvalidSession
	}

	user, err := s.storage.Users().GetUser(ctx, sess.userID)
	if err != nil || !user.Active {
		return nil, ErrInvalidSession
	}
	return user, nil
}

// Logout revokes a session token
func (s *Service) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
