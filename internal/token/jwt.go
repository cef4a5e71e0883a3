// Package token issues and validates the access tokens mobile devices and
// back-office users present to the EVV API. Tokens are HMAC-signed and carry
// the actor's roles plus the enrolled device, so permission checks never need
// a directory lookup on the hot path.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

// Claims are the JWT claims for EVV access tokens.
type Claims struct {
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
	DeviceID string   `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService creates and validates access tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewJWTService(signingKey, issuer, audience string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateAccessToken issues a token for an actor, optionally bound to an
// enrolled device.
func (s *JWTService) GenerateAccessToken(actor ports.Actor, deviceID id.DeviceID, expiresIn time.Duration) (string, error) {
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   actor.ID,
		Roles:    actor.Roles,
		DeviceID: deviceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	return newToken.SignedString(s.signingKey)
}

// ValidateToken parses and verifies a token string.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ActorFromToken validates a token and returns the acting user.
func (s *JWTService) ActorFromToken(tokenString string) (ports.Actor, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return ports.Actor{}, err
	}
	return ports.Actor{ID: claims.UserID, Roles: claims.Roles}, nil
}
