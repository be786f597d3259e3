package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles allowed to submit and read jobs
const (
	RoleAdmin     = "admin"
	RoleAttendant = "atendente"
)

// RoleBridge is carried by bridge tokens; the subject is the device id
const RoleBridge = "bridge"

const subjectKey = "submitter"

var timeNow = time.Now

// Claims is the token payload issued to submitters
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Auth validates HS256 bearer tokens
type Auth struct {
	secret []byte
}

// NewAuth creates an authenticator for a shared secret
func NewAuth(secret []byte) *Auth {
	return &Auth{secret: secret}
}

// Issue signs a token for a submitter. Used by operators and tests.
func (a *Auth) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := timeNow()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "print-bridge",
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(timeNow))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// RequireRole rejects requests without a valid token carrying one of roles
func (a *Auth) RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(c *gin.Context) {
		claims, ok := a.bearerClaims(c)
		if !ok {
			return
		}

		if !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			return
		}

		if claims.Subject != "" {
			c.Set(subjectKey, claims.Subject)
		}
		c.Next()
	}
}

// RequireRealtime guards the websocket endpoint. A bridge token may only
// connect as the device named by its subject; admin and attendant tokens may
// only observe.
func (a *Auth) RequireRealtime() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := a.bearerClaims(c)
		if !ok {
			return
		}

		deviceID := c.Query("deviceId")
		switch claims.Role {
		case RoleBridge:
			if deviceID == "" || deviceID != claims.Subject {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token does not match device"})
				return
			}
		case RoleAdmin, RoleAttendant:
			if deviceID != "" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Only bridge tokens may connect as a device"})
				return
			}
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			return
		}
		c.Next()
	}
}

// bearerClaims aborts the request when it carries no valid token
func (a *Auth) bearerClaims(c *gin.Context) (*Claims, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}

	claims, err := a.validateToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return nil, false
	}
	return claims, true
}

func subjectFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(subjectKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
