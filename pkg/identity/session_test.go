package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSessionStoreIssueAndResolve(t *testing.T) {
	s, err := NewSessionStore(newTestKey(t), time.Hour, NewMemoryTokenRevoker(), JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	sess, err := s.Issue("acc-1", "a@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if sess.AccountID != "acc-1" || time.Until(sess.ExpiresAt) <= 0 {
		t.Fatalf("unexpected session: %+v", sess)
	}
	p, err := s.Principal(context.Background(), sess.Token)
	if err != nil {
		t.Fatalf("principal: %v", err)
	}
	if p.AccountID != "acc-1" || p.Email != "a@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestSessionStoreRejectsForeignAudience(t *testing.T) {
	key := newTestKey(t)
	signing, _ := NewSessionStore(key, time.Hour, nil, JWTOptions{Audience: "aud-a"})
	verify, _ := NewSessionStore(key, time.Hour, nil, JWTOptions{Audience: "aud-b"})
	sess, err := signing.Issue("acc", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verify.Principal(context.Background(), sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestSessionStoreRejectsOtherKey(t *testing.T) {
	signing, _ := NewSessionStore(newTestKey(t), time.Hour, nil, JWTOptions{})
	verify, _ := NewSessionStore(newTestKey(t), time.Hour, nil, JWTOptions{})
	sess, _ := signing.Issue("acc", "")
	if _, err := verify.Principal(context.Background(), sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := verify.Principal(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token failure, got %v", err)
	}
}

func TestSessionStoreRevokeWithRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	revoker, err := NewRedisTokenRevoker(srv.Addr(), "")
	if err != nil {
		t.Fatalf("new revoker: %v", err)
	}
	s, _ := NewSessionStore(newTestKey(t), time.Hour, revoker, JWTOptions{})
	sess, _ := s.Issue("acc", "")
	ctx := context.Background()
	if err := s.Revoke(ctx, sess.Token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Principal(ctx, sess.Token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}
	if len(srv.Keys()) != 1 {
		t.Fatalf("expected one revocation key, got %v", srv.Keys())
	}
}

func TestNewSessionStoreFromPEM(t *testing.T) {
	key := newTestKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	s, err := NewSessionStoreFromPEM(path, time.Minute, nil, JWTOptions{KeyID: "k1"})
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	if s.keyID != "k1" {
		t.Fatalf("unexpected key id %q", s.keyID)
	}
	if _, err := NewSessionStoreFromPEM(filepath.Join(t.TempDir(), "missing.pem"), time.Minute, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}
