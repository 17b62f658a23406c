package auth

import (
	"strings"

	"github.com/google/uuid"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// IdentityResolver turns request credentials into a user id for session renewal.
type IdentityResolver struct {
	jwt *JWTService
}

// NewIdentityResolver creates a resolver that trusts tokens signed for jwtService.
func NewIdentityResolver(jwtService *JWTService) *IdentityResolver {
	return &IdentityResolver{jwt: jwtService}
}

// Resolve accepts an Authorization header value or a bare token. It returns
// ErrNoCredentials when nothing was presented and ErrInvalidToken when the
// token does not verify.
func (r *IdentityResolver) Resolve(credentials string) (uuid.UUID, error) {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return uuid.Nil, ErrNoCredentials
	}
	token := credentials
	if t, ok := BearerToken(credentials); ok {
		token = t
	} else if strings.Contains(credentials, " ") {
		return uuid.Nil, ErrInvalidToken
	}
	claims, err := r.jwt.Validate(token)
	if err != nil {
		return uuid.Nil, err
	}
	return claims.UserID, nil
}
