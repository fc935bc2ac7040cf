package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("secret", "u1", time.Hour)
	require.NoError(t, err)

	cl, err := ParseJWT("secret", tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", cl.UserID)

	cl, err = ParseJWT("secret", "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", cl.UserID)
}

func TestParseRejects(t *testing.T) {
	good, _ := SignJWT("secret", "u1", time.Hour)
	expired, _ := SignJWT("secret", "u1", -time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "abc.def.ghi"},
		{"wrong secret", good + "x"},
		{"expired", expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJWT("secret", tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err := ParseJWT("other", good)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
