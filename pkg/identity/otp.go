package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"storeit/internal/util"
)

const (
	otpCodeLength        = 6
	defaultChallengeTTL  = 5 * time.Minute
	defaultResendAfter   = time.Minute
	defaultMaxAttempts   = 5
	defaultOTPKeyPrefix  = "storeit:otp"
	otpRedisCallDeadline = 2 * time.Second
)

// Challenge is an issued OTP challenge. The code itself is never part of it.
type Challenge struct {
	ID          string
	Email       string
	AccountID   string
	ExpiresIn   time.Duration
	ResendAfter time.Duration
}

type otpRecord struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	AccountID  string    `json:"accountId"`
	CodeHash   string    `json:"codeHash"`
	ExpiresAt  time.Time `json:"expiresAt"`
	MaxAttempt int       `json:"maxAttempt"`
}

// reserveAttemptScript takes one attempt slot for a live challenge before the
// code is compared. It returns -1 when the challenge is gone, 0 when the
// attempt budget is exhausted (the challenge is then destroyed), otherwise
// the attempt number.
var reserveAttemptScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local n = redis.call("INCR", KEYS[2])
if n == 1 then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call("DEL", KEYS[1], KEYS[2])
  return 0
end
return n
`)

// consumeScript deletes a challenge and its attempt counter. Only the caller
// that observes 1 owns the redemption.
var consumeScript = redis.NewScript(`
local removed = redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return removed
`)

// OTPStoreConfig tunes challenge lifetimes. Zero values take defaults.
type OTPStoreConfig struct {
	Addr        string
	Password    string
	KeyPrefix   string
	TTL         time.Duration
	ResendAfter time.Duration
	MaxAttempts int
}

// OTPStore keeps bcrypt-hashed one-time codes in Redis.
type OTPStore struct {
	client           *redis.Client
	keyPrefix        string
	challengeTTL     time.Duration
	challengePersist time.Duration
	resendAfter      time.Duration
	maxAttempts      int
	cost             int
}

// NewOTPStore connects to Redis.
func NewOTPStore(cfg OTPStoreConfig) (*OTPStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("otp redis addr is required")
	}
	s := &OTPStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		keyPrefix:    strings.TrimSpace(cfg.KeyPrefix),
		challengeTTL: cfg.TTL,
		resendAfter:  cfg.ResendAfter,
		maxAttempts:  cfg.MaxAttempts,
		cost:         bcrypt.DefaultCost,
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultOTPKeyPrefix
	}
	if s.challengeTTL <= 0 {
		s.challengeTTL = defaultChallengeTTL
	}
	if s.resendAfter <= 0 {
		s.resendAfter = defaultResendAfter
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	s.challengePersist = s.challengeTTL + time.Minute
	return s, nil
}

// Create issues a challenge for email bound to accountID and returns the
// plaintext code for delivery. At most one challenge per email is issued per
// resend window.
func (s *OTPStore) Create(ctx context.Context, email, accountID string) (Challenge, string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Challenge{}, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, otpRedisCallDeadline)
	defer cancel()
	resendKey := s.resendKey(email)
	allowed, err := s.client.SetNX(ctx, resendKey, "1", s.resendAfter).Result()
	if err != nil {
		return Challenge{}, "", err
	}
	if !allowed {
		return Challenge{}, "", ErrResendTooSoon
	}
	release := func() { _ = s.client.Del(ctx, resendKey).Err() }

	code, err := generateNumericCode(otpCodeLength)
	if err != nil {
		release()
		return Challenge{}, "", fmt.Errorf("generate otp code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		release()
		return Challenge{}, "", fmt.Errorf("hash otp code: %w", err)
	}
	rec := otpRecord{
		ID:         util.NewID(),
		Email:      email,
		AccountID:  accountID,
		CodeHash:   string(hash),
		ExpiresAt:  time.Now().UTC().Add(s.challengeTTL),
		MaxAttempt: s.maxAttempts,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		release()
		return Challenge{}, "", fmt.Errorf("marshal otp challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.challengeKey(rec.ID), raw, s.challengePersist).Err(); err != nil {
		release()
		return Challenge{}, "", err
	}
	return Challenge{
		ID:          rec.ID,
		Email:       email,
		AccountID:   accountID,
		ExpiresIn:   s.challengeTTL,
		ResendAfter: s.resendAfter,
	}, code, nil
}

// Discard drops a challenge and its resend lock, used when delivery failed.
func (s *OTPStore) Discard(ctx context.Context, ch Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, otpRedisCallDeadline)
	defer cancel()
	return s.client.Del(ctx, s.challengeKey(ch.ID), s.attemptsKey(ch.ID), s.resendKey(ch.Email)).Err()
}

// Redeem checks code against the challenge. A challenge is single use and is
// destroyed after too many wrong codes.
func (s *OTPStore) Redeem(ctx context.Context, challengeID, code string) (Challenge, error) {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return Challenge{}, ErrChallengeRequired
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Challenge{}, ErrCodeRequired
	}
	ctx, cancel := context.WithTimeout(ctx, otpRedisCallDeadline)
	defer cancel()
	key := s.challengeKey(challengeID)
	attemptsKey := s.attemptsKey(challengeID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeInvalid
	}
	if err != nil {
		return Challenge{}, err
	}
	var rec otpRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Challenge{}, fmt.Errorf("unmarshal otp challenge: %w", err)
	}
	if rec.ID != challengeID {
		return Challenge{}, ErrChallengeInvalid
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		_ = s.client.Del(ctx, key, attemptsKey).Err()
		return Challenge{}, ErrCodeExpired
	}
	keys := []string{key, attemptsKey}
	attempt, err := reserveAttemptScript.Run(ctx, s.client, keys, rec.MaxAttempt, s.challengePersist.Milliseconds()).Int64()
	if err != nil {
		return Challenge{}, err
	}
	if attempt <= 0 {
		return Challenge{}, ErrChallengeInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code)) != nil {
		if attempt >= int64(rec.MaxAttempt) {
			_ = s.client.Del(ctx, key, attemptsKey).Err()
		}
		return Challenge{}, ErrCodeInvalid
	}
	consumed, err := consumeScript.Run(ctx, s.client, keys).Int64()
	if err != nil {
		return Challenge{}, err
	}
	if consumed != 1 {
		return Challenge{}, ErrChallengeInvalid
	}
	return Challenge{ID: rec.ID, Email: rec.Email, AccountID: rec.AccountID}, nil
}

// Close releases the Redis client.
func (s *OTPStore) Close() error {
	return s.client.Close()
}

func (s *OTPStore) challengeKey(challengeID string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, challengeID)
}

func (s *OTPStore) attemptsKey(challengeID string) string {
	return fmt.Sprintf("%s:attempts:%s", s.keyPrefix, challengeID)
}

func (s *OTPStore) resendKey(email string) string {
	return fmt.Sprintf("%s:resend:%s", s.keyPrefix, email)
}

func generateNumericCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
