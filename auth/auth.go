// Package auth provides operator password hashing and account tokens for
// the PASS command.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrMissingKey         = errors.New("token key not configured")
	ErrMalformedHash      = errors.New("malformed argon2id hash")
)

// Argon2id parameters for newly created hashes. Verification reads the
// parameters stored in the hash itself.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Config holds authentication configuration.
type Config struct {
	// JWT signing key. Empty disables PASS tokens.
	TokenKey []byte
	// Token expiration duration (default 2 weeks)
	TokenExpiry time.Duration
	// Issuer stamped into tokens, normally the server name.
	Issuer string
}

// Auth handles authentication operations.
type Auth struct {
	config Config
}

// New creates a new Auth instance.
func New(cfg Config) *Auth {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 14 * 24 * time.Hour // 2 weeks
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "mvirc"
	}
	return &Auth{config: cfg}
}

// Claims represents JWT claims.
type Claims struct {
	Account string `json:"acct"`
	jwt.RegisteredClaims
}

// HashPassword hashes a password using Argon2id in the PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	hash    []byte
}

func decodeHash(encoded string) (*argonParams, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, ErrMalformedHash
	}

	p := &argonParams{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, ErrMalformedHash
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrMalformedHash
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.hash) == 0 {
		return nil, ErrMalformedHash
	}
	return p, nil
}

// VerifyPassword verifies a password against a hash produced by HashPassword.
func VerifyPassword(password, encoded string) bool {
	p, err := decodeHash(encoded)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))

	// Constant-time comparison
	return subtle.ConstantTimeCompare(p.hash, computed) == 1
}

// GenerateToken generates a PASS token for an account.
func (a *Auth) GenerateToken(account string) (string, time.Time, error) {
	if len(a.config.TokenKey) == 0 {
		return "", time.Time{}, ErrMissingKey
	}
	expiresAt := time.Now().Add(a.config.TokenExpiry)

	claims := Claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    a.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.config.TokenKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a PASS token and returns the claims.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	if len(a.config.TokenKey) == 0 {
		return nil, ErrMissingKey
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.config.TokenKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Account == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
