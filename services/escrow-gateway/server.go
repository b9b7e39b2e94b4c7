package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/blake3"

	"artisanpay/gateway/auth"
	"artisanpay/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB

	nodeCallTimeout = 15 * time.Second
)

// Server is the HTTP front-end for escrow engagements.
type Server struct {
	authenticator *auth.Authenticator
	adminAuth     *middleware.TokenAuthenticator
	node          NodeClient
	store         *SQLiteStore
	dispatcher    *WebhookDispatcher
	logger        *slog.Logger
	nowFn         func() time.Time
	router        chi.Router
}

func NewServer(authenticator *auth.Authenticator, adminAuth *middleware.TokenAuthenticator, node NodeClient, store *SQLiteStore, dispatcher *WebhookDispatcher, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: authenticator,
		adminAuth:     adminAuth,
		node:          node,
		store:         store,
		dispatcher:    dispatcher,
		logger:        logger,
		nowFn:         time.Now,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "apay-escrow-gateway",
		MetricsPrefix: "escrow_gateway",
		LogRequests:   true,
		Enabled:       true,
	}, s.logger)
	limits := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"escrow": {RequestsPerMinute: 240, Burst: 30},
		"query":  {RequestsPerMinute: 600, Burst: 60},
	}, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limits.Middleware("escrow"), obs.Middleware("escrow"))
			r.Post("/escrows", s.handleEscrowInitialize)
			r.Post("/escrows/{id}/deposit", s.handleEscrowDeposit)
			r.Post("/escrows/{id}/release", s.handleEscrowRelease)
			r.Post("/escrows/{id}/reclaim", s.handleEscrowReclaim)
			r.Post("/webhooks", s.handleWebhookRegister)
		})
		r.Group(func(r chi.Router) {
			r.Use(limits.Middleware("query"), obs.Middleware("query"))
			r.Get("/escrows/{id}", s.handleEscrowGet)
			r.Get("/balances/{address}/{asset}", s.handleBalance)
		})
	})

	if s.adminAuth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth.Middleware("ops"), obs.Middleware("admin"))
			r.Get("/audit", s.handleAuditList)
			r.Get("/webhooks", s.handleWebhookList)
		})
	}
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		s.respondError(w, r, principal, body, http.StatusBadRequest, errors.New("missing Idempotency-Key header"))
		return
	}
	requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
	if cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash); cacheErr != nil {
		status := http.StatusInternalServerError
		if errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusConflict
		}
		s.respondError(w, r, principal, body, status, cacheErr)
		return
	} else if cached != nil {
		s.respondRaw(w, r, principal, body, cached.Status, cached.Body)
		return
	}

	var req EscrowInitializeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if err := validateEscrowInitialize(req); err != nil {
		s.respondError(w, r, principal, body, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	id, err := s.node.EscrowInitialize(ctx, req)
	if err != nil {
		s.respondNodeError(w, r, principal, body, err)
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{"escrowId": id})
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, http.StatusCreated, payload); err != nil {
		s.respondError(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	s.respondRaw(w, r, principal, body, http.StatusCreated, payload)
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleEscrowAction(w, r, func(ctx context.Context, id uint64, asset string, _ *auth.Principal) (interface{}, error) {
		if err := s.node.EscrowDeposit(ctx, id, asset); err != nil {
			return nil, err
		}
		return map[string]string{"status": "funded"}, nil
	})
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	s.handleEscrowAction(w, r, func(ctx context.Context, id uint64, asset string, principal *auth.Principal) (interface{}, error) {
		if err := s.node.EscrowRelease(ctx, id, asset, principal.Actor.String()); err != nil {
			return nil, err
		}
		return map[string]string{"status": "released"}, nil
	})
}

func (s *Server) handleEscrowReclaim(w http.ResponseWriter, r *http.Request) {
	s.handleEscrowAction(w, r, func(ctx context.Context, id uint64, asset string, principal *auth.Principal) (interface{}, error) {
		reclaimed, err := s.node.EscrowReclaim(ctx, id, asset, principal.Actor.String())
		if err != nil {
			return nil, err
		}
		return map[string]bool{"reclaimed": reclaimed}, nil
	})
}

type escrowActionBody struct {
	Asset string `json:"asset"`
}

func (s *Server) handleEscrowAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uint64, string, *auth.Principal) (interface{}, error)) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, err := parseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, principal, body, http.StatusBadRequest, err)
		return
	}
	var req escrowActionBody
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.Asset) == "" {
		s.respondError(w, r, principal, body, http.StatusBadRequest, errors.New("asset is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := action(ctx, id, req.Asset, principal)
	if err != nil {
		s.respondNodeError(w, r, principal, body, err)
		return
	}
	payload, _ := json.Marshal(result)
	s.respondRaw(w, r, principal, body, http.StatusOK, payload)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	esc, err := s.node.EscrowGet(ctx, id)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	payload, _ := json.Marshal(esc)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	asset := chi.URLParam(r, "asset")
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	amount, err := s.node.LedgerBalance(ctx, address, asset)
	if err != nil {
		s.writeError(w, nodeErrorStatus(err), err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"address": address, "asset": asset, "amount": amount})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type webhookRegisterBody struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req webhookRegisterBody
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, r, principal, body, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.EventType) == "" || strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		s.respondError(w, r, principal, body, http.StatusBadRequest, errors.New("eventType, url and secret are required"))
		return
	}
	if s.dispatcher == nil {
		s.respondError(w, r, principal, body, http.StatusServiceUnavailable, errors.New("webhook delivery disabled"))
		return
	}
	sub, err := s.dispatcher.Register(r.Context(), principal.APIKey, req.EventType, req.URL, req.Secret)
	if err != nil {
		s.respondError(w, r, principal, body, http.StatusInternalServerError, err)
		return
	}
	payload, _ := json.Marshal(map[string]string{"webhookId": sub.ID})
	s.respondRaw(w, r, principal, body, http.StatusCreated, payload)
}

type auditEntryView struct {
	APIKey     string    `json:"apiKey"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = parsed
	}
	entries, err := s.store.RecentAuditEntries(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditEntryView{
			APIKey:     entry.APIKey,
			Method:     entry.Method,
			Path:       entry.Path,
			Status:     entry.ResponseStatus,
			OccurredAt: entry.Timestamp,
		})
	}
	payload, _ := json.Marshal(views)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type webhookView struct {
	ID        string    `json:"id"`
	APIKey    string    `json:"apiKey"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]webhookView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, webhookView{
			ID:        sub.ID,
			APIKey:    sub.APIKey,
			EventType: sub.EventType,
			URL:       sub.URL,
			Active:    sub.Active,
			CreatedAt: sub.CreatedAt,
		})
	}
	payload, _ := json.Marshal(views)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

// authenticate reads the body and verifies the HMAC headers. On failure it
// writes the error response itself and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, *auth.Principal, bool) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), nil, r, body, http.StatusUnauthorized, nil)
		return nil, nil, false
	}
	return body, principal, true
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) respondNodeError(w http.ResponseWriter, r *http.Request, principal *auth.Principal, body []byte, err error) {
	s.respondError(w, r, principal, body, nodeErrorStatus(err), err)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, principal *auth.Principal, body []byte, status int, err error) {
	s.writeError(w, status, err)
	s.audit(r.Context(), principal, r, body, status, []byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
}

func (s *Server) respondRaw(w http.ResponseWriter, r *http.Request, principal *auth.Principal, body []byte, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r.Context(), principal, r, body, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	_, _ = w.Write(payload)
}

func (s *Server) audit(ctx context.Context, principal *auth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit insert failed", "error", err)
	}
}

// nodeErrorStatus maps node RPC error codes onto gateway HTTP statuses.
func nodeErrorStatus(err error) int {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return http.StatusBadGateway
	}
	switch nodeErr.Code {
	case -32021:
		return http.StatusBadRequest
	case -32022:
		return http.StatusNotFound
	case -32023:
		return http.StatusForbidden
	case -32024:
		return http.StatusConflict
	case -32025:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func validateEscrowInitialize(req EscrowInitializeRequest) error {
	if strings.TrimSpace(req.Client) == "" {
		return errors.New("client is required")
	}
	if strings.TrimSpace(req.Artisan) == "" {
		return errors.New("artisan is required")
	}
	if strings.TrimSpace(req.Asset) == "" {
		return errors.New("asset is required")
	}
	if strings.TrimSpace(req.Amount) == "" {
		return errors.New("amount is required")
	}
	if req.Deadline == 0 {
		return errors.New("deadline is required")
	}
	return nil
}

func parseEscrowID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("escrow id must be a positive integer")
	}
	return id, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}
