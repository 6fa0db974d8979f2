package notify

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/logging"
)

// LogNotifier writes notices to the log instead of sending mail. It prints
// the OTP code, so it is meant for local development only.
type LogNotifier struct {
	log logging.Logger
}

func NewLogNotifier(log logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notifier")}
}

func (n *LogNotifier) SendOTP(ctx context.Context, email, name, code string) error {
	n.log.Info(ctx, "otp notice", "to", email, "name", name, "code", code)
	return nil
}

func (n *LogNotifier) SendPasswordChanged(ctx context.Context, email, name string) error {
	n.log.Info(ctx, "password changed notice", "to", email, "name", name)
	return nil
}
