// Package auth supplies the bearer token the engine authenticates with. The
// token is opaque to the engine; when it happens to be a JWT its expiry and
// subject are read without verifying the signature, which only the server
// can do.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrNoSubject is returned by UserID when the token carries no numeric sub.
var ErrNoSubject = errors.New("token has no numeric subject")

// Source reads the token from a fixed value or a file. The file is re-read
// on every call so a UI that rotates the token only has to rewrite it.
type Source struct {
	Static string
	Path   string
	// Skew is subtracted from exp before comparing it with Now.
	Skew   time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

// Token implements conn.TokenProvider. It returns an empty token when none
// is configured or the configured one has expired; the manager treats that
// as authentication required.
func (s *Source) Token(_ context.Context) (string, error) {
	token := strings.TrimSpace(s.Static)
	if token == "" && s.Path != "" {
		data, err := os.ReadFile(s.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return "", nil
	}

	exp, ok := Expiry(token)
	if ok && !exp.After(s.now().Add(s.Skew)) {
		if s.Logger != nil {
			s.Logger.Warn("token expired", zap.Time("exp", exp))
		}
		return "", nil
	}
	return token, nil
}

func (s *Source) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save writes token to the source file with owner-only permissions.
func (s *Source) Save(token string) error {
	if s.Path == "" {
		return errors.New("token source has no file")
	}
	return os.WriteFile(s.Path, []byte(strings.TrimSpace(token)+"\n"), 0600)
}

// Clear removes the token file. A missing file is not an error.
func (s *Source) Clear() error {
	if s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Expiry returns the exp claim of a JWT. ok is false for opaque tokens and
// for JWTs without exp.
func Expiry(token string) (exp time.Time, ok bool) {
	claims, err := parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// UserID returns the numeric sub claim of a JWT.
func UserID(token string) (int64, error) {
	claims, err := parse(token)
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrNoSubject
	}
	return id, nil
}
