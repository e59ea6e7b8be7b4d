package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "storeit"
	defaultJWTAudience = "storeit-api"
	defaultJWTLeeway   = 30 * time.Second
	defaultKeyID       = "storeit-active"
)

// JWTOptions configures claim validation.
type JWTOptions struct {
	KeyID    string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Principal is the identity behind a valid session.
type Principal struct {
	AccountID string
	Email     string
}

// Session is a freshly issued session token.
type Session struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionStore issues and validates RS256 session tokens whose subject is
// the account id.
type SessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	signer   *rsa.PrivateKey
	verifier *rsa.PublicKey
	keyID    string

	issuer   string
	audience string
	leeway   time.Duration
}

// NewSessionStore builds a store around an RSA key.
func NewSessionStore(key *rsa.PrivateKey, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*SessionStore, error) {
	if key == nil {
		return nil, errors.New("jwt signing key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	opts = normalizeJWTOptions(opts)
	return &SessionStore{
		ttl:      ttl,
		revoker:  revoker,
		signer:   key,
		verifier: &key.PublicKey,
		keyID:    opts.KeyID,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewSessionStoreFromPEM loads a PKCS#1 or PKCS#8 RSA private key.
func NewSessionStoreFromPEM(path string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*SessionStore, error) {
	key, err := LoadRSAPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	return NewSessionStore(key, ttl, revoker, opts)
}

// Issue signs a session for accountID.
func (s *SessionStore) Issue(accountID, email string) (Session, error) {
	if strings.TrimSpace(accountID) == "" {
		return Session{}, errors.New("account id is required")
	}
	now := time.Now().UTC()
	expires := now.Add(s.ttl)
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: signed, AccountID: accountID, ExpiresAt: expires}, nil
}

// Principal validates token. Malformed, expired or foreign tokens yield
// ErrInvalidToken; revoked ones ErrTokenRevoked.
func (s *SessionStore) Principal(ctx context.Context, token string) (Principal, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Principal{}, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, err
		}
		if revoked {
			return Principal{}, ErrTokenRevoked
		}
	}
	return Principal{AccountID: claims.Subject, Email: claims.Email}, nil
}

// Revoke invalidates token until its natural expiry. Invalid tokens are ignored.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *SessionStore) parse(token string) (sessionClaims, error) {
	var claims sessionClaims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.keyID {
			return nil, errors.New("unknown token key")
		}
		return s.verifier, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// GenerateSigningKey creates an ephemeral RSA key for local runs.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// LoadRSAPrivateKey reads a PEM-encoded RSA private key.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return rsaKey, nil
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.KeyID = strings.TrimSpace(opts.KeyID)
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.KeyID == "" {
		opts.KeyID = defaultKeyID
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
