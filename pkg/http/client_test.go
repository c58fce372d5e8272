package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.BackoffMin = time.Millisecond
	opts.BackoffMax = 5 * time.Millisecond
	return opts
}

type headerSigner struct{ calls int32 }

func (s *headerSigner) SignRequest(req *http.Request) error {
	atomic.AddInt32(&s.calls, 1)
	req.Header.Set("x-amz-access-token", "token")
	return nil
}

func TestHttpClient_Retry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions())
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHttpClient_PatchReplaysBodyOnRetry(t *testing.T) {
	var attempts int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token", r.Header.Get("x-amz-access-token"))
		assert.Equal(t, "ATVPDKIKX0DER", r.URL.Query().Get("marketplaceIds"))
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ACCEPTED"}`))
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClientWithOptions(server.URL, 5*time.Second, signer, fastOptions())
	_, err := client.Patch(context.Background(), "/listings/2021-08-01/items/S1/SKU1",
		map[string]string{"marketplaceIds": "ATVPDKIKX0DER"}, map[string]string{"productType": "PRODUCT"})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"productType":"PRODUCT"}`, bodies[1])
	assert.Equal(t, int32(2), atomic.LoadInt32(&signer.calls), "every attempt is signed")
}

func TestHttpClient_ClientErrorIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":[{"code":"Unauthorized"}]}`))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions())
	_, err := client.Get(context.Background(), "/", nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "Unauthorized")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHttpClient_PostForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		_, _ = w.Write([]byte(`{"access_token":"abc"}`))
	}))
	defer server.Close()

	client := NewClientWithOptions("", 5*time.Second, nil, fastOptions())
	body, err := client.PostForm(context.Background(), server.URL+"/auth/o2/token", url.Values{"grant_type": {"refresh_token"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"abc"}`, string(body))
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := fastOptions()
	opts.MaxRetries = 0
	client := NewClientWithOptions(server.URL, 5*time.Second, nil, opts)

	// Policy is 5 failures out of 10
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	startAttempts := atomic.LoadInt32(&attempts)
	_, err := client.Get(context.Background(), "/", nil)
	assert.Error(t, err)
	assert.Equal(t, startAttempts, atomic.LoadInt32(&attempts), "open breaker must not reach the server")
}
