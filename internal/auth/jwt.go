package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

var (
	// ErrInvalidCredentials is returned by Login for a wrong username or password
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is wrapped by every token validation failure
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims are the session token claims
type Claims struct {
	jwt.RegisteredClaims
}

// Session is an issued session token
type Session struct {
	Token     string
	ID        string
	Subject   string
	ExpiresAt time.Time
}

// SessionManager checks credentials and issues and validates HS256 session
// tokens
type SessionManager struct {
	username []byte
	password []byte
	secret   []byte
	issuer   string
	ttl      time.Duration
	now      func() time.Time
	revoked  *Revocations
	logger   *logger.ComponentLogger
}

// NewSessionManager creates a manager from the session configuration. now
// may be nil.
func NewSessionManager(cfg config.SessionConfig, now func() time.Time) (*SessionManager, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("session credentials are required")
	}
	if len(cfg.SigningSecret) < 16 {
		return nil, errors.New("session signing secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("session token ttl must be positive, got %s", cfg.TokenTTL)
	}
	if now == nil {
		now = time.Now
	}

	return &SessionManager{
		username: []byte(cfg.Username),
		password: []byte(cfg.Password),
		secret:   []byte(cfg.SigningSecret),
		issuer:   cfg.Issuer,
		ttl:      cfg.TokenTTL,
		now:      now,
		revoked:  NewRevocations(now),
		logger:   logger.Get().WithComponent("auth.session"),
	}, nil
}

// Login checks the credentials and issues a session for username
func (m *SessionManager) Login(username, password string) (*Session, error) {
	if !m.checkCredentials(username, password) {
		metrics.RecordLoginAttempt("failure")
		m.logger.Warn("login failed", logger.Fields{"username": username})
		return nil, ErrInvalidCredentials
	}

	s, err := m.Issue(username)
	if err != nil {
		metrics.RecordLoginAttempt("error")
		return nil, err
	}

	metrics.RecordLoginAttempt("success")
	m.logger.Info("login succeeded", logger.Fields{
		"username":   username,
		"session_id": maskSessionID(s.ID),
	})
	return s, nil
}

// checkCredentials compares in constant time. Both sides are hashed first so
// the comparison does not leak the configured lengths.
func (m *SessionManager) checkCredentials(username, password string) bool {
	userOK := constantTimeEqual([]byte(username), m.username)
	passOK := constantTimeEqual([]byte(password), m.password)
	return userOK && passOK
}

func constantTimeEqual(a, b []byte) bool {
	ha := sha256.Sum256(a)
	hb := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// Issue signs a new session token for subject
func (m *SessionManager) Issue(subject string) (*Session, error) {
	now := m.now()
	id := uuid.NewString()
	expiresAt := now.Add(m.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	return &Session{
		Token:     token,
		ID:        id,
		Subject:   subject,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate parses a session token and checks signature, issuer, expiry and
// revocation. Every failure wraps ErrInvalidToken.
func (m *SessionManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		code := "invalid_token"
		message := "Session token is invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = "token_expired"
			message = "Session has expired"
		}
		return nil, &ValidationError{Code: code, Message: message, Err: err}
	}

	if claims.Subject == "" || claims.ID == "" {
		return nil, &ValidationError{Code: "invalid_claims", Message: "Session token is missing required claims"}
	}
	if m.revoked.IsRevoked(claims.ID) {
		return nil, &ValidationError{Code: "token_revoked", Message: "Session has been revoked"}
	}

	return claims, nil
}

// Revoke invalidates a validated session until it would have expired anyway
func (m *SessionManager) Revoke(claims *Claims) {
	if claims == nil || claims.ExpiresAt == nil {
		return
	}
	m.revoked.Revoke(claims.ID, claims.ExpiresAt.Time)
	m.logger.Info("session revoked", logger.Fields{
		"session_id": maskSessionID(claims.ID),
	})
}

// TTL returns the lifetime of issued sessions
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// maskSessionID masks a session ID for logging (shows only last 4 characters)
func maskSessionID(sessionID string) string {
	if len(sessionID) <= 4 {
		return "****"
	}
	return "****" + sessionID[len(sessionID)-4:]
}

// ValidationError describes why a session token was rejected
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes every ValidationError match ErrInvalidToken
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidToken
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
