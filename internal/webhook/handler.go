// Package webhook implements the inbound HTTP ingress adapter that feeds
// messages into the Inbox Admitter. It is the symmetric counterpart of
// package outbox's HTTP transport: where that package POSTs messages out,
// this package receives them.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaykit/relaykit/internal/common/metrics"
	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
)

// bodyFallback is the JSON shape consulted when a required identifier is
// missing from its configured header.
type bodyFallback struct {
	MessageID     string          `json:"message_id"`
	SourceService string          `json:"source_service"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Handler adapts inbound HTTP requests into inbox.Admitter.Admit calls.
type Handler struct {
	admitter *inbox.Admitter
	headers  config.HeadersConfig
	webhook  config.WebhookConfig
}

// New constructs a Handler.
func New(admitter *inbox.Admitter, headers config.HeadersConfig, webhook config.WebhookConfig) *Handler {
	return &Handler{admitter: admitter, headers: headers, webhook: webhook}
}

// ServeHTTP handles POST <base>/<topic-or-events> per the inbound webhook
// contract: 202 on new admission, 200 with body "already_processed" on
// duplicate, 400 on missing identifiers, 401 on failed auth, 500 on internal
// error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusAccepted
	defer func() {
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, "/webhook", strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, "/webhook").Observe(time.Since(start).Seconds())
	}()

	if h.webhook.JWTEnabled {
		if !h.authorized(r) {
			status = http.StatusUnauthorized
			http.Error(w, "unauthorized", status)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		status = http.StatusBadRequest
		http.Error(w, "failed to read request body", status)
		return
	}

	var fallback bodyFallback
	_ = json.Unmarshal(body, &fallback)

	messageID := firstNonEmpty(r.Header.Get(h.headers.MessageID), fallback.MessageID)
	sourceService := firstNonEmpty(r.Header.Get(h.headers.SourceService), fallback.SourceService)
	eventType := firstNonEmpty(r.Header.Get(h.headers.EventType), fallback.EventType)

	if messageID == "" || sourceService == "" || eventType == "" {
		status = http.StatusBadRequest
		http.Error(w, "missing required identifiers: message id, source service, event type", status)
		return
	}

	payload := body
	if len(fallback.Payload) > 0 {
		payload = fallback.Payload
	}

	admitted, err := h.admitter.Admit(r.Context(), inbox.NewRow{
		MessageID:     messageID,
		SourceService: sourceService,
		EventType:     eventType,
		Payload:       payload,
		Headers:       extraHeaders(r.Header, h.headers),
	})
	if err != nil {
		status = http.StatusInternalServerError
		http.Error(w, "internal error", status)
		return
	}

	if !admitted {
		status = http.StatusOK
		w.WriteHeader(status)
		w.Write([]byte("already_processed"))
		return
	}

	w.WriteHeader(status)
}

func (h *Handler) authorized(r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	tokenString := strings.TrimPrefix(authz, prefix)

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(h.webhook.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return false
	}
	return true
}

// extraHeaders captures every header matching the configured custom prefix,
// except the three reserved identifier headers themselves — those already
// have dedicated InboxRow columns and are not duplicated into Headers.
func extraHeaders(header http.Header, headers config.HeadersConfig) map[string]string {
	if headers.CustomPrefix == "" {
		return nil
	}
	reserved := map[string]bool{
		http.CanonicalHeaderKey(headers.MessageID):     true,
		http.CanonicalHeaderKey(headers.SourceService): true,
		http.CanonicalHeaderKey(headers.EventType):     true,
	}
	prefix := http.CanonicalHeaderKey(headers.CustomPrefix)

	out := make(map[string]string)
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		if reserved[canonical] {
			continue
		}
		if strings.HasPrefix(canonical, prefix) {
			out[name] = values[0]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
