package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// TokenType tells access and refresh tokens apart so one cannot be presented
// in place of the other.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var ErrEmptySecret = errors.New("signing secret is empty")

// Identity is the claim set a token pair is minted from.
type Identity struct {
	AccountID string
	Email     string
	Name      string
}

// Claims is the JWT payload: the registered claims (sub, exp, iat, jti) plus
// the account email, display name and token type.
type Claims struct {
	jwt.RegisteredClaims
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Type  TokenType `json:"typ"`
}

func (c *Claims) Identity() Identity {
	return Identity{AccountID: c.Subject, Email: c.Email, Name: c.Name}
}

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type IssuerOption func(*Issuer)

// WithClock replaces time.Now for both minting and expiry checks.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// Issuer signs and verifies HS256 tokens with a single static secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(secret []byte, accessTTL, refreshTTL time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	i := &Issuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) Issue(id Identity) (*TokenPair, error) {
	access, err := i.sign(id, TokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(id, TokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) sign(id Identity, typ TokenType, ttl time.Duration) (string, error) {
	jti, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}
	now := i.now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		Email: id.Email,
		Name:  id.Name,
		Type:  typ,
	})

	return token.SignedString(i.secret)
}

// Verify checks signature, expiry and token type. Expired tokens yield
// common.ErrTokenExpired, anything else common.ErrInvalidToken.
func (i *Issuer) Verify(tokenString string, typ TokenType) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if claims.Type != typ {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}

// Decode extracts claims without checking the signature. Only use it to find
// which account a token claims to belong to; trust nothing until Verify.
func (i *Issuer) Decode(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}
