package auth

import (
	"crypto/rand"
	"io"
	"math/big"
	"strconv"
	"time"
)

const (
	otpMin = 100000
	otpMax = 999999

	DefaultOTPTTL = 5 * time.Minute
)

// OTP is a freshly generated one-time code and the instant it stops being
// accepted.
type OTP struct {
	Code      string
	ExpiresAt time.Time
}

// OTPGenerator draws six-digit codes uniformly from [100000, 999999] using
// crypto/rand.
type OTPGenerator struct {
	ttl    time.Duration
	random io.Reader
}

func NewOTPGenerator(ttl time.Duration) *OTPGenerator {
	return &OTPGenerator{ttl: ttl, random: rand.Reader}
}

// Generate returns a new code expiring exactly ttl after now.
func (g *OTPGenerator) Generate(now time.Time) (*OTP, error) {
	n, err := rand.Int(g.random, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return nil, err
	}
	return &OTP{
		Code:      strconv.FormatInt(n.Int64()+otpMin, 10),
		ExpiresAt: now.Add(g.ttl),
	}, nil
}
