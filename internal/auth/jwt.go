// Package auth 校验外部认证服务签发的 HS256 令牌，并为测试/工具签发同格式令牌。
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func SignJWT(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString([]byte(secret))
}

func ParseJWT(secret, token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrInvalidToken
	}
	cl := &Claims{}
	t, err := jwt.ParseWithClaims(token, cl, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !t.Valid {
		return nil, ErrInvalidToken
	}
	if cl.UserID == "" {
		cl.UserID = cl.Subject
	}
	if cl.UserID == "" {
		return nil, ErrInvalidToken
	}
	return cl, nil
}
