package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"repricer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func TestAlertManager_Alert(t *testing.T) {
	am := NewAlertManager(logging.NewNopLogger())

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2", sendFunc: func(ctx context.Context, alert AlertPayload) error {
		return assert.AnError
	}}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Alert(context.Background(), "ETL failed", "connection refused", Error, map[string]string{"job": "etl"})

	sent1 := ch1.getSent()
	require.Len(t, sent1, 1)
	assert.Len(t, ch2.getSent(), 1)
	assert.Equal(t, "ETL failed", sent1[0].Title)
	assert.Equal(t, Error, sent1[0].Level)
	assert.Equal(t, "etl", sent1[0].Fields["job"])
}

func TestAlertManager_DeliversAfterCallerCancelled(t *testing.T) {
	am := NewAlertManager(logging.NewNopLogger())
	ch := &mockAlertChannel{name: "mock", sendFunc: func(ctx context.Context, alert AlertPayload) error {
		return ctx.Err()
	}}
	am.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	am.Alert(ctx, "shutdown", "cancelled run", Warning, nil)
	assert.Len(t, ch.getSent(), 1)
}

func TestSlackChannel_Send(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL + "/hook")
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Critical,
		Title:     "Reconcile failed",
		Message:   "store unreachable",
		Timestamp: time.Unix(1700000000, 0),
		Fields:    map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)

	attachments := body["attachments"].([]interface{})
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#8b0000", att["color"])
	assert.Equal(t, "[CRITICAL] Reconcile failed", att["pretext"])
	fields := att["fields"].([]interface{})
	assert.Equal(t, "a", fields[0].(map[string]interface{})["title"])
}

func TestSlackChannel_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackChannel(srv.URL).Send(context.Background(), AlertPayload{Level: Info, Title: "t"})
	assert.Error(t, err)
}

func TestSlackChannel_NoWebhookIsNoop(t *testing.T) {
	assert.NoError(t, NewSlackChannel("").Send(context.Background(), AlertPayload{}))
}
