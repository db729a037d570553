package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
)

func defaultHeaders() config.HeadersConfig { return config.DefaultHeadersConfig() }
func noAuth() config.WebhookConfig         { return config.WebhookConfig{} }
func jwtConfig(secret string) config.WebhookConfig {
	return config.WebhookConfig{JWTEnabled: true, JWTSecret: secret}
}

type fakeRepo struct {
	seen     map[string]bool
	inserted []inbox.NewRow
}

func newFakeRepo() *fakeRepo { return &fakeRepo{seen: make(map[string]bool)} }

func (f *fakeRepo) Insert(ctx context.Context, row inbox.NewRow) (*inbox.InboxRow, bool, error) {
	if f.seen[row.MessageID] {
		return nil, false, nil
	}
	f.seen[row.MessageID] = true
	f.inserted = append(f.inserted, row)
	return &inbox.InboxRow{MessageID: row.MessageID}, true, nil
}
func (f *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeRepo) ClaimBatch(ctx context.Context, limit int) ([]*inbox.InboxRow, error) {
	return nil, nil
}
func (f *fakeRepo) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*inbox.InboxRow, error) {
	return nil, nil
}
func (f *fakeRepo) MarkProcessed(ctx context.Context, id int64) (bool, error)  { return true, nil }
func (f *fakeRepo) MarkNoHandler(ctx context.Context, id int64) (bool, error)  { return true, nil }
func (f *fakeRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) CreateSchema(ctx context.Context) error { return nil }
func (f *fakeRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	return true, nil
}

func newHandler(repo inbox.Repository) *Handler {
	return New(inbox.NewAdmitter(repo), defaultHeaders(), noAuth())
}

func TestHandler_NewAdmission(t *testing.T) {
	h := newHandler(newFakeRepo())

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{"order_id":1}`))
	req.Header.Set("X-Message-Id", "msg-1")
	req.Header.Set("X-Source-Service", "orders")
	req.Header.Set("X-Event-Type", "order.created")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHandler_Duplicate(t *testing.T) {
	repo := newFakeRepo()
	h := newHandler(repo)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
		req.Header.Set("X-Message-Id", "msg-dup")
		req.Header.Set("X-Source-Service", "orders")
		req.Header.Set("X-Event-Type", "order.created")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if i == 0 {
			assert.Equal(t, http.StatusAccepted, rr.Code)
		} else {
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "already_processed", rr.Body.String())
		}
	}
}

func TestHandler_MissingIdentifiers(t *testing.T) {
	h := newHandler(newFakeRepo())

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_BodyFallback(t *testing.T) {
	h := newHandler(newFakeRepo())

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(
		`{"message_id":"msg-2","source_service":"orders","event_type":"order.created","payload":{"a":1}}`))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestHandler_ExtraHeadersCaptured(t *testing.T) {
	repo := newFakeRepo()
	h := newHandler(repo)

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Message-Id", "msg-3")
	req.Header.Set("X-Source-Service", "orders")
	req.Header.Set("X-Event-Type", "order.created")
	req.Header.Set("X-Tenant-Id", "acme")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, map[string]string{"X-Tenant-Id": "acme"}, repo.inserted[0].Headers)
}

func TestHandler_ReservedHeadersExcludedFromExtraHeaders(t *testing.T) {
	repo := newFakeRepo()
	h := newHandler(repo)

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Message-Id", "msg-5")
	req.Header.Set("X-Source-Service", "orders")
	req.Header.Set("X-Event-Type", "order.created")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, repo.inserted, 1)
	assert.Nil(t, repo.inserted[0].Headers)
}

func TestHandler_JWTRequired(t *testing.T) {
	secret := "test-secret"
	h := New(inbox.NewAdmitter(newFakeRepo()), defaultHeaders(), jwtConfig(secret))

	req := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Message-Id", "msg-4")
	req.Header.Set("X-Source-Service", "orders")
	req.Header.Set("X-Event-Type", "order.created")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodPost, "/webhook/orders", bytes.NewBufferString(`{}`))
	req2.Header.Set("X-Message-Id", "msg-4")
	req2.Header.Set("X-Source-Service", "orders")
	req2.Header.Set("X-Event-Type", "order.created")
	req2.Header.Set("Authorization", "Bearer "+signed)
	rr2 := httptest.NewRecorder()

	h.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusAccepted, rr2.Code)
}
