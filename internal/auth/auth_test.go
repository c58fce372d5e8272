package auth

import (
	"context"
	"errors"
	"testing"

	apperrors "repricer/pkg/errors"
	"repricer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAPIKeyValidator_ValidateAPIKey(t *testing.T) {
	validator := NewAPIKeyValidator([]string{"valid-key-1", "valid-key-2", ""}, 100, logging.NewNopLogger())

	tests := []struct {
		name   string
		apiKey string
		want   bool
	}{
		{"valid key 1", "valid-key-1", true},
		{"valid key 2", "valid-key-2", true},
		{"invalid key", "invalid-key", false},
		{"empty key", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validator.ValidateAPIKey(tt.apiKey))
		})
	}
}

func TestAPIKeyValidator_Authorize(t *testing.T) {
	v := NewAPIKeyValidator([]string{"k1"}, 2, logging.NewNopLogger())

	assert.True(t, errors.Is(v.Authorize("", "GET /x", "1.2.3.4"), apperrors.ErrAuthenticationFailed))
	assert.True(t, errors.Is(v.Authorize("nope", "GET /x", "1.2.3.4"), apperrors.ErrAuthenticationFailed))

	require.NoError(t, v.Authorize("k1", "GET /x", "1.2.3.4"))
	require.NoError(t, v.Authorize("k1", "GET /x", "1.2.3.4"))
	assert.True(t, errors.Is(v.Authorize("k1", "GET /x", "1.2.3.4"), apperrors.ErrRateLimitExceeded))
}

func TestAPIKeyValidator_DisabledWithoutKeys(t *testing.T) {
	v := NewAPIKeyValidator(nil, 1, logging.NewNopLogger())
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Authorize("", "GET /x", ""))
}

func TestAPIKeyValidator_Rotation(t *testing.T) {
	v := NewAPIKeyValidator([]string{"old"}, 10, logging.NewNopLogger())
	v.AddAPIKey("new")
	v.RemoveAPIKey("old")
	assert.True(t, v.ValidateAPIKey("new"))
	assert.False(t, v.ValidateAPIKey("old"))
}

func TestUnaryServerInterceptor(t *testing.T) {
	v := NewAPIKeyValidator([]string{"k1"}, 100, logging.NewNopLogger())
	interceptor := v.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var seenID string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seenID = RequestID(ctx)
		return "ok", nil
	}

	_, err := interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(HeaderAPIKey, "wrong"))
	_, err = interceptor(ctx, nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(HeaderAPIKey, "k1"))
	resp, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.NotEqual(t, "unknown", seenID)
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamServerInterceptor_RateLimited(t *testing.T) {
	v := NewAPIKeyValidator([]string{"k1"}, 1, logging.NewNopLogger())
	interceptor := v.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}
	ss := &fakeStream{ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(HeaderAPIKey, "k1"))}

	handler := func(srv interface{}, stream grpc.ServerStream) error {
		assert.NotEqual(t, "unknown", RequestID(stream.Context()))
		return nil
	}

	require.NoError(t, interceptor(nil, ss, info, handler))
	err := interceptor(nil, ss, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
