package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NonceHeader carries the per-user request nonce on every chat call.
const NonceHeader = "X-Chat-Nonce"

var ErrInvalidNonce = errors.New("invalid nonce")

// Nonces signs short-lived request tokens bound to a user id.
type Nonces struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewNonces builds a signer. An empty secret gets a random per-process key,
// which invalidates outstanding nonces on restart.
func NewNonces(secret string, ttl time.Duration) (*Nonces, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate nonce secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Nonces{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a nonce for userID.
func (n *Nonces) Issue(userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := n.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(n.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
	if err != nil {
		return "", fmt.Errorf("sign nonce: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and that the nonce belongs to userID.
func (n *Nonces) Verify(nonce string, userID int64) error {
	if nonce == "" {
		return ErrInvalidNonce
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(nonce, claims,
		func(*jwt.Token) (any, error) { return n.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(n.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if claims.Subject != strconv.FormatInt(userID, 10) {
		return fmt.Errorf("%w: subject mismatch", ErrInvalidNonce)
	}
	return nil
}
