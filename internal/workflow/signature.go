package workflow

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

// Signer produces and verifies the audit signature stored on each vote.
type Signer interface {
	Sign(requestID string, vote repository.Vote) (string, error)
	Verify(requestID string, vote repository.Vote) error
}

// voteClaims binds voter, decision, request and time.
type voteClaims struct {
	RequestID string `json:"rid"`
	Decision  string `json:"dec"`
	jwt.RegisteredClaims
}

// HMACSigner signs votes as HS256 JWTs keyed by a server secret.
type HMACSigner struct {
	secret []byte
	issuer string
}

// NewHMACSigner creates a signer. The secret must be non-empty.
func NewHMACSigner(secret []byte, issuer string) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return &HMACSigner{secret: secret, issuer: issuer}, nil
}

// Sign returns the compact JWS for the vote.
func (s *HMACSigner) Sign(requestID string, vote repository.Vote) (string, error) {
	claims := voteClaims{
		RequestID: requestID,
		Decision:  string(vote.Decision),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  vote.VoterID,
			IssuedAt: jwt.NewNumericDate(vote.Timestamp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign vote: %w", err)
	}
	return signed, nil
}

// Verify checks that vote.Signature was issued by this signer for exactly this
// voter, decision, request and timestamp (second precision).
func (s *HMACSigner) Verify(requestID string, vote repository.Vote) error {
	claims := &voteClaims{}
	_, err := jwt.ParseWithClaims(vote.Signature, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil {
		return fmt.Errorf("invalid vote signature: %w", err)
	}

	switch {
	case claims.Subject != vote.VoterID:
		return fmt.Errorf("vote signature voter mismatch")
	case claims.RequestID != requestID:
		return fmt.Errorf("vote signature request mismatch")
	case claims.Decision != string(vote.Decision):
		return fmt.Errorf("vote signature decision mismatch")
	case claims.IssuedAt == nil || claims.IssuedAt.Unix() != vote.Timestamp.Unix():
		return fmt.Errorf("vote signature timestamp mismatch")
	}
	return nil
}
