package collab

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/typeclash/internal/domain"
)

// jwtClaims is the minimum claim set §4.8 requires: an identity id and a
// username. Role and avatar are optional and default to RolePlayer / "".
type jwtClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// JWTVerifier is the reference TokenVerifier: an HMAC-signed bearer token
// carrying identity id (as the standard `sub` claim), username, and an
// optional role/avatar.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier keyed by a shared HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements TokenVerifier. A malformed or absent token is the
// caller's responsibility to distinguish (AUTH_REQUIRED vs AUTH_INVALID);
// Verify only reports whether the given bearer string is valid.
func (v *JWTVerifier) Verify(ctx context.Context, bearer string) (VerifiedIdentity, error) {
	if bearer == "" {
		return VerifiedIdentity{}, fmt.Errorf("empty bearer credential")
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return VerifiedIdentity{}, fmt.Errorf("parse bearer token: %w", err)
	}
	if !token.Valid {
		return VerifiedIdentity{}, fmt.Errorf("invalid bearer token")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return VerifiedIdentity{}, fmt.Errorf("bearer token missing subject")
	}
	if claims.Username == "" {
		return VerifiedIdentity{}, fmt.Errorf("bearer token missing username")
	}

	role := domain.RolePlayer
	if claims.Role == string(domain.RoleAdmin) {
		role = domain.RoleAdmin
	}

	return VerifiedIdentity{
		IdentityID: subject,
		Username:   claims.Username,
		Role:       role,
		Avatar:     claims.Avatar,
	}, nil
}
