package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"storeit/internal/util"
	"storeit/pkg/notify"
)

// Provider is the identity capability consumed by the drive app: it issues
// and redeems OTP challenges and resolves session tokens to principals.
type Provider struct {
	otp        *OTPStore
	principals *PrincipalRegistry
	sessions   *SessionStore
	mailer     notify.Mailer
}

// NewProvider wires the identity components.
func NewProvider(otp *OTPStore, principals *PrincipalRegistry, sessions *SessionStore, mailer notify.Mailer) *Provider {
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	return &Provider{otp: otp, principals: principals, sessions: sessions, mailer: mailer}
}

// IssueChallenge resolves the principal of email and sends it a fresh code.
func (p *Provider) IssueChallenge(ctx context.Context, email string) (Challenge, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Challenge{}, err
	}
	accountID, err := p.principals.Resolve(ctx, email)
	if err != nil {
		return Challenge{}, fmt.Errorf("resolve principal: %w", err)
	}
	ch, code, err := p.otp.Create(ctx, email, accountID)
	if err != nil {
		return Challenge{}, err
	}
	err = p.mailer.SendOTP(ctx, notify.OTPMessage{
		To:          email,
		Code:        code,
		ChallengeID: ch.ID,
		ExpiresIn:   ch.ExpiresIn,
	})
	if err != nil {
		if discardErr := p.otp.Discard(ctx, ch); discardErr != nil {
			util.LoggerFromContext(ctx).Warn("otp_discard_failed", "challenge_id", ch.ID, "err", discardErr)
		}
		return Challenge{}, fmt.Errorf("deliver otp: %w", err)
	}
	util.LoggerFromContext(ctx).Info("security_event",
		slog.String("event", "otp_issued"),
		slog.String("email", MaskEmail(email)),
		slog.String("challenge_id", ch.ID),
	)
	return ch, nil
}

// RedeemChallenge exchanges a correct code for a session.
func (p *Provider) RedeemChallenge(ctx context.Context, challengeID, code string) (Session, error) {
	ch, err := p.otp.Redeem(ctx, challengeID, code)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("security_event",
			slog.String("event", "otp_redeem_failed"),
			slog.String("challenge_id", challengeID),
			slog.String("reason", err.Error()),
		)
		return Session{}, err
	}
	return p.sessions.Issue(ch.AccountID, ch.Email)
}

// CurrentPrincipal resolves token. ok is false for missing, invalid or
// revoked tokens; err is reserved for backend failures.
func (p *Provider) CurrentPrincipal(ctx context.Context, token string) (Principal, bool, error) {
	principal, err := p.sessions.Principal(ctx, token)
	switch {
	case err == nil:
		return principal, true, nil
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenRevoked):
		return Principal{}, false, nil
	default:
		return Principal{}, false, err
	}
}

// Revoke ends the session of token.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	return p.sessions.Revoke(ctx, token)
}
