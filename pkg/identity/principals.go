package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PrincipalRegistry maps emails to stable identity-provider account ids.
// The first resolution of an email allocates a random UUID with SETNX, so
// concurrent resolutions of the same email agree on one id.
type PrincipalRegistry struct {
	client    *redis.Client
	keyPrefix string
}

// NewPrincipalRegistry connects to Redis.
func NewPrincipalRegistry(addr, password, keyPrefix string) (*PrincipalRegistry, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("principal registry redis addr is required")
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = "storeit:principal"
	}
	return &PrincipalRegistry{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		keyPrefix: keyPrefix,
	}, nil
}

// Resolve returns the account id for email, allocating one if needed.
func (r *PrincipalRegistry) Resolve(ctx context.Context, email string) (string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := r.emailKey(email)
	candidate := uuid.NewString()
	created, err := r.client.SetNX(ctx, key, candidate, 0).Result()
	if err != nil {
		return "", err
	}
	if created {
		return candidate, nil
	}
	accountID, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("read principal: %w", err)
	}
	return accountID, nil
}

// Lookup returns the account id of email without allocating.
func (r *PrincipalRegistry) Lookup(ctx context.Context, email string) (string, bool, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	accountID, err := r.client.Get(ctx, r.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return accountID, true, nil
}

// Close releases the Redis client.
func (r *PrincipalRegistry) Close() error {
	return r.client.Close()
}

func (r *PrincipalRegistry) emailKey(email string) string {
	return fmt.Sprintf("%s:email:%s", r.keyPrefix, email)
}
