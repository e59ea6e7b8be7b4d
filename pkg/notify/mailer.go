// Package notify delivers one-time passcodes to users.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// OTPMessage is one passcode delivery request.
type OTPMessage struct {
	To          string        `json:"to"`
	Code        string        `json:"code"`
	ChallengeID string        `json:"challengeId"`
	ExpiresIn   time.Duration `json:"-"`
	ExpiresInS  int           `json:"expiresInSeconds"`
}

// Mailer sends passcodes.
type Mailer interface {
	SendOTP(ctx context.Context, msg OTPMessage) error
}

// LogMailer writes passcodes to the log instead of sending them. Local use only.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendOTP(ctx context.Context, msg OTPMessage) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "otp_delivery_logged",
		"to", msg.To,
		"challenge_id", msg.ChallengeID,
		"code", msg.Code,
		"expires_in_s", int(msg.ExpiresIn.Seconds()),
	)
	return nil
}
