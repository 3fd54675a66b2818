package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vpnshop/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	mu       sync.Mutex
	payments []payment.Completed
	err      error
}

func (h *recordingHandler) HandlePayment(_ context.Context, p payment.Completed) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payments = append(h.payments, p)
	return h.err
}

func (h *recordingHandler) Payments() []payment.Completed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]payment.Completed(nil), h.payments...)
}

type recordingAuthLog struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingAuthLog) LogAuthFail(message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
	return nil
}

func (l *recordingAuthLog) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

func newTestServer(t *testing.T, secret string) (*Server, *recordingHandler, *recordingAuthLog, *httptest.Server) {
	t.Helper()
	handler := &recordingHandler{}
	authLog := &recordingAuthLog{}
	s := New(handler, secret, authLog, zaptest.NewLogger(t))
	srv := httptest.NewServer(s.NewRouter())
	t.Cleanup(srv.Close)
	return s, handler, authLog, srv
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func waitAll(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Wait(ctx)
}

const yookassaPaid = `{"event":"payment.succeeded","object":{"id":"2c","metadata":{"user_id":"42","months":"1","price":"50.00","action":"new","host_name":"H1","key_id":"None"}}}`

func TestYooKassaWebhook_DispatchesPayment(t *testing.T) {
	s, handler, _, srv := newTestServer(t, "")

	status, body := post(t, srv.URL+"/yookassa-webhook", yookassaPaid)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	waitAll(t, s)
	payments := handler.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, payment.ProviderYooKassa, payments[0].Provider)
	assert.Equal(t, int64(42), payments[0].UserID)
	assert.Equal(t, "H1", payments[0].HostName)
	assert.Equal(t, 30, payments[0].Days())
}

func TestYooKassaWebhook_IgnoresOtherEvents(t *testing.T) {
	s, handler, _, srv := newTestServer(t, "")

	status, _ := post(t, srv.URL+"/yookassa-webhook", `{"event":"payment.canceled","object":{"metadata":{"user_id":"1"}}}`)
	assert.Equal(t, http.StatusOK, status)

	waitAll(t, s)
	assert.Empty(t, handler.Payments())
}

func TestCryptoWebhook(t *testing.T) {
	s, handler, _, srv := newTestServer(t, "")

	status, _ := post(t, srv.URL+"/crypto-webhook", `{"status":"pending","metadata":{"user_id":1,"months":1,"action":"extend","key_id":9}}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = post(t, srv.URL+"/crypto-webhook", `{"status":"paid","metadata":{"user_id":1,"months":3,"price":135,"action":"extend","key_id":9}}`)
	assert.Equal(t, http.StatusOK, status)

	waitAll(t, s)
	payments := handler.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, payment.ProviderCrypto, payments[0].Provider)
	assert.Equal(t, uint(9), payments[0].KeyID)
	assert.Equal(t, payment.ActionExtend, payments[0].Action)
}

func TestWebhook_RejectsBadPayloads(t *testing.T) {
	s, handler, _, srv := newTestServer(t, "")

	status, _ := post(t, srv.URL+"/yookassa-webhook", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = post(t, srv.URL+"/crypto-webhook", `{"status":"paid","metadata":{"user_id":"x","months":"1","action":"new"}}`)
	assert.Equal(t, http.StatusOK, status, "invalid metadata is acknowledged and dropped")

	status, _ = post(t, srv.URL+"/crypto-webhook", `{"status":"paid"}`)
	assert.Equal(t, http.StatusOK, status)

	waitAll(t, s)
	assert.Empty(t, handler.Payments())
}

func TestWebhook_HandlerErrorStillAcknowledged(t *testing.T) {
	s, handler, _, srv := newTestServer(t, "")
	handler.err = errors.New("panel unavailable")

	status, body := post(t, srv.URL+"/yookassa-webhook", yookassaPaid)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
	waitAll(t, s)
	assert.Len(t, handler.Payments(), 1)
}

func TestWebhook_TokenRequired(t *testing.T) {
	s, handler, authLog, srv := newTestServer(t, "s3cret")

	status, _ := post(t, srv.URL+"/yookassa-webhook", yookassaPaid)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = post(t, srv.URL+"/yookassa-webhook?token=wrong", yookassaPaid)
	assert.Equal(t, http.StatusForbidden, status)
	messages := authLog.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "/yookassa-webhook")
	assert.True(t, strings.HasSuffix(messages[0], "from IP: 127.0.0.1"), messages[0])

	status, _ = post(t, srv.URL+"/yookassa-webhook?token=s3cret", yookassaPaid)
	assert.Equal(t, http.StatusOK, status)

	waitAll(t, s)
	assert.Len(t, handler.Payments(), 1)
}

func TestHealth(t *testing.T) {
	_, _, _, srv := newTestServer(t, "s3cret")
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
