package getstream

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CreateToken issues a user token signed with the API secret. Zero expiry
// yields a non-expiring token; otherwise iat/exp claims are set so clients
// can refresh.
func (c *ServerClient) CreateToken(userID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{"user_id": userID}
	if !expiresAt.IsZero() {
		claims["iat"] = time.Now().Unix()
		claims["exp"] = expiresAt.Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.config.APISecret))
}

// serverToken signs the server-scoped token used for REST auth.
func serverToken(apiSecret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"server": true})
	return token.SignedString([]byte(apiSecret))
}
