package authz

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/stanstork/notifyd/internal/models"
)

// ErrUnauthorized covers every token problem: missing, malformed, badly
// signed, expired or lacking a subject.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the identity carried by an access token.
type Claims struct {
	UserID   string
	PlayerID string
	RoomID   string
	Roles    []models.UserRole
}

// Verifier checks HS256 access tokens issued by the account service.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) (Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, errors.Wrap(ErrUnauthorized, "token required")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, errors.Wrapf(ErrUnauthorized, "invalid token: %v", err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !mc.VerifyExpiresAt(time.Now().Unix(), true) {
		return Claims{}, errors.Wrap(ErrUnauthorized, "token expired")
	}

	claims := Claims{
		UserID:   firstString(mc, "user_id", "sub"),
		PlayerID: firstString(mc, "player_id", "sub"),
		RoomID:   firstString(mc, "room_id"),
		Roles:    extractRoles(mc),
	}
	if claims.UserID == "" {
		return Claims{}, errors.Wrap(ErrUnauthorized, "token has no subject")
	}
	return claims, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if s, ok := claims[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func extractRoles(claims jwt.MapClaims) []models.UserRole {
	var raw []string
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, val := range v {
			if s, ok := val.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.Split(v, ",")
	}
	if single, ok := claims["role"].(string); ok {
		raw = append(raw, single)
	}
	return models.NormalizeRoles(raw)
}
