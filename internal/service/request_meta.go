package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Clock returns the current time. Services take one so lockout windows can be tested.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// RequestMeta is request-scoped data that ends up in audit metadata.
type RequestMeta struct {
	ClientFingerprint string
	RequestID         string
}

type requestMetaKey struct{}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// newOpaqueToken returns 32 random bytes, base64url encoded.
func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
