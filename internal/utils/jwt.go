package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"coide/internal/models"
)

var (
	ErrMissingToken  = errors.New("authentication token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrUnknownUser   = errors.New("unknown user")
)

// IdentityClaims is the payload of the tokens issued by the auth service.
type IdentityClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// UserLookup resolves the display name of a user id. A nil lookup means the
// token's username claim is trusted as-is.
type UserLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// JWTVerifier checks HS256 tokens and turns them into identities.
type JWTVerifier struct {
	secret []byte
	users  UserLookup
}

func NewJWTVerifier(secret []byte, users UserLookup) *JWTVerifier {
	return &JWTVerifier{secret: secret, users: users}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (models.Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return models.Identity{}, ErrMissingToken
	}

	claims := &IdentityClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return models.Identity{}, ErrInvalidClaims
	}

	name := claims.Username
	if v.users != nil {
		name, err = v.users.DisplayName(ctx, userID)
		if err != nil {
			return models.Identity{}, fmt.Errorf("%w: %s: %v", ErrUnknownUser, userID, err)
		}
	}
	if name == "" {
		name = userID
	}
	return models.Identity{UserID: userID, DisplayName: name}, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	return authHeader[7:], nil
}
