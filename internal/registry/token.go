package registry

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
)

// Claims are the verified contents of a dashboard client token.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HMAC-signed, time-limited client tokens.
type TokenVerifier struct {
	signingKey []byte
	clock      clockwork.Clock
}

func NewTokenVerifier(signingKey string, clock clockwork.Clock) *TokenVerifier {
	return &TokenVerifier{signingKey: []byte(signingKey), clock: clock}
}

// Verify parses and validates a token, enforcing the HMAC signing method and
// expiry against the injected clock.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.signingKey, nil
	}, jwt.WithTimeFunc(v.clock.Now))

	if err != nil {
		metrics.AuthFailures.Inc()
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, vserrors.AuthenticationError("token has expired", err)
		}
		return nil, vserrors.AuthenticationError("invalid token", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		metrics.AuthFailures.Inc()
		return nil, vserrors.AuthenticationError("invalid token claims", nil)
	}

	return claims, nil
}

// Sign issues a token for a client. Used by tests and provisioning tooling;
// the server itself only verifies.
func (v *TokenVerifier) Sign(clientID string, expiresIn time.Duration) (string, error) {
	now := v.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return token.SignedString(v.signingKey)
}
