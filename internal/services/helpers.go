package services

import (
	"context"
	"strings"
	"time"

	"go-dm/internal/apperr"
)

// retryTransient 仅对 TRANSIENT 错误重试，最多 attempts 次，线性退避（backoff * 第几次）。
func retryTransient(ctx context.Context, attempts int, backoff time.Duration, sleep func(time.Duration), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil || !apperr.IsTransient(err) {
			return err
		}
		if i == attempts || ctx.Err() != nil {
			break
		}
		sleep(backoff * time.Duration(i))
	}
	return err
}

func requireUsers(ids ...string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return apperr.Validation("user id is required")
		}
	}
	return nil
}
