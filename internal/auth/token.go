package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cronrelay/internal/domain"
)

const (
	// MinSecretLength is the shortest accepted signing secret.
	MinSecretLength = 32
	// MinTokenLength rejects obviously malformed bearer values before any
	// cryptographic work.
	MinTokenLength = 32

	clockLeeway = 10 * time.Second
)

// Claims are carried by API key tokens.
type Claims struct {
	KeyID   string   `json:"keyId"`
	OwnerID string   `json:"ownerId"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 API key tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

func (i *Issuer) Issue(keyID, ownerID string, scopes []domain.Scope, expiresAt time.Time) (string, error) {
	names := make([]string, len(scopes))
	for n, s := range scopes {
		names[n] = string(s)
	}
	now := i.now()
	claims := Claims{
		KeyID:   keyID,
		OwnerID: ownerID,
		Scopes:  names,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry of raw and checks that the
// required claims are present.
func (i *Issuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		// An expired token is invalid. ErrExpiredCredential is for the key row.
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	if claims.KeyID == "" || claims.OwnerID == "" || len(claims.Scopes) == 0 {
		return nil, fmt.Errorf("%w: missing required claims", domain.ErrInvalidCredential)
	}
	return claims, nil
}

// HashToken returns the hex SHA-256 of a raw token. Only hashes are stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
