// Package token issues and verifies the signed bearer tokens used for login.
// Verification is stateless: any process holding the secret can check a token.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// DefaultTTL is the token lifetime used when Config.TTL is not set.
const DefaultTTL = 3600 * time.Second

// DefaultAlgorithm is the signing algorithm used when Config.Algorithm is empty.
const DefaultAlgorithm = "HS256"

var (
	// ErrInvalidToken is returned for every verification failure.
	// Expired, malformed and badly signed tokens are not distinguished.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnsupportedAlgorithm indicates a signing algorithm outside the HMAC family.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	// ErrMissingSecret indicates an empty signing secret.
	ErrMissingSecret = errors.New("token secret is required")
)

var signingMethods = map[string]*jwt.SigningMethodHMAC{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Payload is the data embedded in a token.
type Payload struct {
	UserID int64 `json:"user_id"`
}

// Claims is the token body: iat, exp, jti and the payload under "data".
type Claims struct {
	Data *Payload `json:"data,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Manager. Secret must be kept out of logs.
type Config struct {
	Secret    string
	Algorithm string
	TTL       time.Duration
}

// Manager signs and verifies tokens. It is safe for concurrent use.
type Manager struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	ttl    time.Duration
	now    func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = DefaultAlgorithm
	}
	method, ok := signingMethods[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, cfg.Algorithm)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		secret: []byte(cfg.Secret),
		method: method,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Algorithm returns the configured signing algorithm name.
func (m *Manager) Algorithm() string {
	return m.method.Alg()
}

// Issue signs a token carrying p, valid from now until now+TTL.
func (m *Manager) Issue(p Payload) (string, error) {
	now := m.now().UTC().Truncate(time.Second)
	claims := Claims{
		Data: &p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm and expiry of tokenString and
// returns the embedded payload. All failures yield ErrInvalidToken.
func (m *Manager) Verify(tokenString string) (Payload, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	return *claims.Data, nil
}

// Inspect is Verify returning the full claims, for callers that need the token id.
func (m *Manager) Inspect(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	claims := &Claims{}
	tok, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid || claims.Data == nil || claims.Data.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
