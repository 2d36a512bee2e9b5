// Package auth handles accounts and login tokens. Passwords are hashed
// on the client against a per-user salt; the server only ever sees and
// stores the hash, so it compares opaque strings and never learns the
// password itself.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"familycalendar/internal/store"
)

var (
	ErrUserExists      = errors.New("auth: user already exists")
	ErrUserNotFound    = errors.New("auth: user not found")
	ErrInvalidPassword = errors.New("auth: invalid password")
	ErrRateLimited     = errors.New("auth: too many attempts")
	ErrUnauthorized    = errors.New("auth: unauthorized")
)

type Config struct {
	// JWTSecret signs session tokens. Empty means a random secret per
	// run, which invalidates sessions across restarts.
	JWTSecret string
	JWTExpiry time.Duration

	// RateLimitPerMinute caps login attempts per username. Zero
	// disables the limiter.
	RateLimitPerMinute int
}

type Service struct {
	st     *store.Store
	log    zerolog.Logger
	secret []byte
	expiry time.Duration

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func New(st *store.Store, cfg Config, log zerolog.Logger) *Service {
	expiry := cfg.JWTExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = randomSecret()
		log.Warn().Msg("no jwt secret configured; sessions will not survive restarts")
	}
	return &Service{
		st:       st,
		log:      log,
		secret:   secret,
		expiry:   expiry,
		limiters: make(map[string]*rate.Limiter),
		perMin:   cfg.RateLimitPerMinute,
	}
}

// Register creates the account. The hash and salt arrive precomputed
// from the client.
func (s *Service) Register(ctx context.Context, username, passwordHash, salt string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || passwordHash == "" || salt == "" {
		return 0, fmt.Errorf("auth: username, password hash, and salt are required")
	}
	id, err := s.st.InsertUser(ctx, username, passwordHash, salt)
	if errors.Is(err, store.ErrExists) {
		return 0, ErrUserExists
	}
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("user", username).Msg("user registered")
	return id, nil
}

// Salt returns the per-user salt the client needs before it can hash a
// password. Unknown users report ErrUserNotFound; callers deciding to
// hide that from the network do so a layer up.
func (s *Service) Salt(ctx context.Context, username string) (string, error) {
	salt, ok, err := s.st.GetSaltByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUserNotFound
	}
	return salt, nil
}

// Authenticate verifies the supplied hash and issues a signed token.
// Failed and successful attempts both count against the per-username
// rate limit, so the limiter cannot be probed to distinguish them.
func (s *Service) Authenticate(ctx context.Context, username, passwordHash string) (string, error) {
	if !s.allow(username) {
		s.log.Warn().Str("user", username).Msg("login rate limited")
		return "", ErrRateLimited
	}

	u, ok, err := s.st.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUserNotFound
	}
	if subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(passwordHash)) != 1 {
		s.log.Warn().Str("user", username).Msg("failed login")
		return "", ErrInvalidPassword
	}
	return s.issue(u)
}

// ChangePassword swaps in a new hash and salt after verifying the old
// hash.
func (s *Service) ChangePassword(ctx context.Context, username, oldHash, newHash, newSalt string) error {
	u, ok, err := s.st.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotFound
	}
	if subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(oldHash)) != 1 {
		return ErrInvalidPassword
	}
	if err := s.st.UpdateUserPassword(ctx, u.ID, newHash, newSalt); err != nil {
		return err
	}
	s.log.Info().Str("user", username).Msg("password changed")
	return nil
}

func (s *Service) issue(u store.User) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   u.Username,
		ID:        fmt.Sprintf("%d", u.ID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Validate checks a token and returns the username it was issued to.
// Every failure mode maps to ErrUnauthorized; callers get no detail to
// leak.
func (s *Service) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return b
}

func (s *Service) allow(username string) bool {
	if s.perMin <= 0 {
		return true
	}
	s.limitMu.Lock()
	lim, ok := s.limiters[username]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), s.perMin)
		s.limiters[username] = lim
	}
	s.limitMu.Unlock()
	return lim.Allow()
}
