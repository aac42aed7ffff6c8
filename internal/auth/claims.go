package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL = 15 * time.Minute
	defaultDeviceTTL = 30 * 24 * time.Hour
)

// CustomClaims extends JWT standard claims with Fleet Core fields.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// GenerateAccessToken creates a signed operator token for subject.
// ttlMinutes <= 0 uses the 15 minute default.
func GenerateAccessToken(subject string, role Role, secret string, ttlMinutes int) (string, error) {
	if !IsOperatorRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	ttl := defaultAccessTTL
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}
	return sign(subject, role, secret, ttl)
}

// GenerateDeviceToken creates a signed token binding a gateway session to
// deviceID. ttl <= 0 uses a 30 day default.
func GenerateDeviceToken(deviceID, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultDeviceTTL
	}
	return sign(deviceID, RoleDevice, secret, ttl)
}

func sign(subject string, role Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses a JWT, returning the custom claims.
// It checks the signature, expiry and required fields.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: missing role", ErrTokenInvalid)
	}
	return claims, nil
}

// VerifyDeviceToken checks that tokenString is a valid device token for
// deviceID.
func VerifyDeviceToken(tokenString, secret, deviceID string) error {
	claims, err := ParseToken(tokenString, secret)
	if err != nil {
		return err
	}
	if claims.Role != RoleDevice {
		return fmt.Errorf("%w: role %q", ErrTokenInvalid, claims.Role)
	}
	if claims.Subject != deviceID {
		return ErrDeviceMismatch
	}
	return nil
}
