package auth

import (
	"errors"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the only role allowed on the operator routes.
const RoleAdmin = "admin"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims identifies the operator behind an admin request.
type Claims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates operator tokens.
type TokenService struct {
	secretKey []byte
	issuer    string
	expiry    time.Duration
	clock     clock.Clock
}

func NewTokenService(secretKey, issuer string, expiry time.Duration, c clock.Clock) *TokenService {
	if c == nil {
		c = clock.System()
	}
	return &TokenService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		expiry:    expiry,
		clock:     c,
	}
}

// Issue signs a token for operatorID. Used by ops tooling and tests; the
// service itself only validates.
func (s *TokenService) Issue(operatorID, role string) (string, time.Time, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.expiry)

	claims := Claims{
		OperatorID: operatorID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// Validate checks signature, issuer and expiry and returns the claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) Expiry() time.Duration {
	return s.expiry
}
