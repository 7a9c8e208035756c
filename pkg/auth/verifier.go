package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway absorbs clock skew between token issuer and gateway.
const DefaultLeeway = 30 * time.Second

// Claims is the token payload understood by the gateway.
type Claims struct {
	Roles    []string `json:"roles,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Teams    []string `json:"teams,omitempty"`
	Email    string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type VerifierConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Verifier validates HMAC-signed JWTs. It is safe for concurrent use.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

func NewVerifier(cfg VerifierConfig, logger *slog.Logger) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Verifier{
		secret: cfg.Secret,
		parser: jwt.NewParser(opts...),
		logger: logger.With(slog.String("component", "auth_verifier")),
	}, nil
}

// Verify returns the AuthContext for a valid token, or false. Rejection
// reasons are logged, never returned.
func (v *Verifier) Verify(token string) (*AuthContext, bool) {
	ac, err := v.verify(token)
	if err != nil {
		v.logger.Debug("Token rejected", slog.Any("error", err))
		return nil, false
	}
	return ac, true
}

func (v *Verifier) verify(tokenString string) (*AuthContext, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing 'sub' claim")
	}
	if claims.ExpiresAt == nil {
		return nil, errors.New("token missing 'exp' claim")
	}

	return NewAuthContext(
		claims.Subject,
		claims.Email,
		claims.Roles,
		claims.Projects,
		claims.Teams,
		claims.ExpiresAt.Time,
	), nil
}

// Sign produces an HS256 token for claims. Used by the token sub-command and tests.
func Sign(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// NewClaims is a convenience for building claims that expire after ttl.
func NewClaims(subject string, ttl time.Duration, roles, projects, teams []string) Claims {
	now := time.Now()
	return Claims{
		Roles:    roles,
		Projects: projects,
		Teams:    teams,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
