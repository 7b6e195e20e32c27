package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed        = errors.New("malformed credential")
	ErrSignatureInvalid = errors.New("credential signature invalid")
	ErrExpired          = errors.New("credential expired")
)

const signingAlg = "HS256"

// Claims is the payload carried by service credentials.
type Claims struct {
	jwt.RegisteredClaims
	Roles RoleList `json:"roles,omitempty"`
}

// RoleList decodes either a single role string or an array of them.
type RoleList []string

func (r *RoleList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*r = nil
			return nil
		}
		*r = RoleList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("roles claim: %w", err)
	}
	*r = many
	return nil
}

type VerifierOption func(*Verifier)

func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// Verifier checks HS256 bearer credentials. It holds no mutable state and is
// safe for concurrent use.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates token and returns the identity it carries. Structure is
// checked first, then expiry, then the signature, so an expired credential
// reports ErrExpired whether or not its signature is valid.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMalformed
	}
	parser := jwt.NewParser()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, ErrMalformed
	}
	if _, err := parser.DecodeSegment(parts[2]); err != nil {
		return Identity{}, ErrMalformed
	}
	var unverified Claims
	if _, _, err := parser.ParseUnverified(token, &unverified); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return Identity{}, ErrMalformed
	}

	now := v.now()
	if unverified.ExpiresAt == nil || !now.Before(unverified.ExpiresAt.Time) {
		return Identity{}, ErrExpired
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return Identity{}, ErrSignatureInvalid
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, ErrExpired
		default:
			return Identity{}, ErrMalformed
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrMalformed
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, raw := range claims.Roles {
		if r, ok := ParseRole(raw); ok {
			roles = append(roles, r)
		}
	}
	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return NewIdentity(claims.Subject, roles, issuedAt, claims.ExpiresAt.Time), nil
}

// Signer mints credentials accepted by a Verifier built from the same secret.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewSigner(secret string, ttl time.Duration, opts ...VerifierOption) (*Signer, error) {
	v, err := NewVerifier(secret, opts...)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: v.secret, issuer: v.issuer, audience: v.audience, ttl: ttl, now: v.now}, nil
}

func (s *Signer) Issue(subject string, roles []Role) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("subject required")
	}
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	names := make(RoleList, 0, len(roles))
	for _, r := range normalizeRoles(roles) {
		names = append(names, string(r))
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles: names,
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
