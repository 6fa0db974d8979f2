// Package notify delivers one-time codes and account notices out of band.
package notify

import "context"

// Notifier reports delivery failure to the caller and never retries.
type Notifier interface {
	SendOTP(ctx context.Context, email, name, code string) error
	SendPasswordChanged(ctx context.Context, email, name string) error
}

const (
	otpSubject             = "Your verification code"
	passwordChangedSubject = "Your password was changed"
)

func otpBody(name, code string) string {
	return "Hello " + name + ",\r\n\r\n" +
		"Your verification code is " + code + ". It expires in 5 minutes.\r\n\r\n" +
		"If you did not request it, ignore this message.\r\n"
}

func passwordChangedBody(name string) string {
	return "Hello " + name + ",\r\n\r\n" +
		"The password for your account was just changed.\r\n" +
		"If this was not you, contact support immediately.\r\n"
}
