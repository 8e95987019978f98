package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	tokenTTL       = 24 * time.Hour
	sessionKeyAuth = "token"
)

var ErrNoToken = errors.New("no token")

// Claims carries the participant identity.
type Claims struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

func IssueToken(secret string, p domain.Participant) (string, error) {
	now := time.Now()
	claims := Claims{
		ParticipantID: string(p.ID),
		DisplayName:   p.DisplayName,
		Role:          string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(p.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if _, err := domain.ParseRole(claims.Role); err != nil {
		return nil, err
	}
	return claims, nil
}

type LoginRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role" binding:"required"`
	// ID is optional; a fresh one is generated when empty.
	ID string `json:"id"`
}

type LoginResponse struct {
	Token       string             `json:"token"`
	Participant domain.Participant `json:"participant"`
}

// Login issues a token for a display name and role. There are no accounts:
// identity is whatever the caller claims.
func Login(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		role, err := domain.ParseRole(req.Role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := domain.NewParticipant(domain.ParticipantID(req.ID), req.Name, role)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := IssueToken(secret, *p)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("sign token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		sess := sessions.Default(c)
		sess.Set(sessionKeyAuth, token)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("save cookie session")
		}

		log.Info().
			Str("module", "adapters.http").
			Str("participant", string(p.ID)).
			Str("role", string(p.Role)).
			Msg("login")
		c.JSON(http.StatusOK, LoginResponse{Token: token, Participant: *p})
	}
}

// JWTAuth accepts the token from the Authorization header, the token query
// parameter (browsers cannot set headers on a WebSocket upgrade) or the
// cookie session, in that order.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearer(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set(signal.CtxParticipantID, claims.ParticipantID)
		c.Set(signal.CtxDisplayName, claims.DisplayName)
		c.Set(signal.CtxRole, claims.Role)
		c.Next()
	}
}

func bearer(c *gin.Context) (string, error) {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", errors.New("Invalid authorization header format")
		}
		return parts[1], nil
	}
	if t := c.Query("token"); t != "" {
		return t, nil
	}
	if t, ok := sessions.Default(c).Get(sessionKeyAuth).(string); ok && t != "" {
		return t, nil
	}
	return "", ErrNoToken
}

func participantFrom(c *gin.Context) domain.Participant {
	role, _ := domain.ParseRole(c.GetString(signal.CtxRole))
	return domain.Participant{
		ID:          domain.ParticipantID(c.GetString(signal.CtxParticipantID)),
		DisplayName: c.GetString(signal.CtxDisplayName),
		Role:        role,
	}
}
