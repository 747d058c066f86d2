package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/ident"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/links"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/tracking"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type QueueActions interface {
	Apply(ctx context.Context, action, queueID, adminID string) (models.Queue, error)
	NextWaiting(ctx context.Context, serviceID string) (models.Queue, bool, error)
	ListWaiting(ctx context.Context, serviceID string) ([]models.Queue, error)
}

type LinkService interface {
	ResolveStatic(ctx context.Context, staticToken string) (models.TempVisitorLink, error)
	Validate(ctx context.Context, token string) (links.LinkState, error)
	Redirect(ctx context.Context, token string) (models.TempVisitorLink, bool, error)
	Register(ctx context.Context, token string, input links.RegistrationInput) (models.Queue, error)
	CreateEntryPoint(ctx context.Context, path string) (models.StaticEntryPoint, error)
}

type TrackingService interface {
	Poll(ctx context.Context, credential, previousHash string) (tracking.PollResult, error)
	MarkSurveyFilled(ctx context.Context, credential string) (tracking.Snapshot, error)
	PollInterval() time.Duration
}

type Handler struct {
	queues   QueueActions
	links    LinkService
	tracking TrackingService
	catalog  store.ReferenceStore
	clock    clockwork.Clock
	ids      ident.Generator
	logger   *zap.Logger
}

type Options struct {
	Clock  clockwork.Clock
	IDs    ident.Generator
	Logger *zap.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type linkResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Path      string    `json:"path"`
	Minted    bool      `json:"minted,omitempty"`
}

type registrationRequest struct {
	Token       string `json:"token"`
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Institution string `json:"institution"`
	Email       string `json:"email"`
}

type registrationResponse struct {
	Queue      models.Queue `json:"queue"`
	Credential string       `json:"credential"`
}

type trackResponse struct {
	tracking.PollResult
	PollIntervalSeconds int `json:"poll_interval_seconds"`
}

type surveyRequest struct {
	Credential string `json:"credential"`
}

type surveyResponse struct {
	Snapshot tracking.Snapshot `json:"snapshot"`
	Hash     string            `json:"hash"`
}

type createServiceRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}

type updateServiceRequest struct {
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

type entryPointRequest struct {
	Path string `json:"path"`
}

func NewHandler(queues QueueActions, linkService LinkService, tracker TrackingService, catalog store.ReferenceStore, options Options) *Handler {
	h := &Handler{
		queues:   queues,
		links:    linkService,
		tracking: tracker,
		catalog:  catalog,
		clock:    options.Clock,
		ids:      ident.OrDefault(options.IDs),
		logger:   options.Logger,
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/entry/", h.handleEntry)
	mux.HandleFunc("/api/links/", h.handleLinks)
	mux.HandleFunc("/api/registrations", h.handleRegistrations)
	mux.HandleFunc("/api/track", h.handleTrack)
	mux.HandleFunc("/api/track/survey", h.handleSurvey)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/queues", h.handleWaitingList)
	mux.HandleFunc("/api/queues/next", h.handleNextWaiting)
	mux.HandleFunc("/api/queues/", h.handleQueueActions)
	mux.HandleFunc("/api/admin/services", h.handleCreateService)
	mux.HandleFunc("/api/admin/services/", h.handleUpdateService)
	mux.HandleFunc("/api/admin/entry-points", h.handleEntryPoints)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	staticToken := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/entry/"), "/")
	if staticToken == "" || strings.Contains(staticToken, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	link, err := h.links.ResolveStatic(r.Context(), staticToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(link, false))
}

func (h *Handler) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/links/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	token := parts[0]

	if len(parts) == 1 {
		state, err := h.links.Validate(r.Context(), token)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}
	if parts[1] != "redirect" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	link, minted, err := h.links.Redirect(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLinkResponse(link, minted))
}

func (h *Handler) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req registrationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	queue, err := h.links.Register(r.Context(), req.Token, links.RegistrationInput{
		ServiceID:   req.ServiceID,
		Name:        req.Name,
		Phone:       req.Phone,
		Institution: req.Institution,
		Email:       req.Email,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registrationResponse{Queue: queue, Credential: req.Token})
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	credential := strings.TrimSpace(query.Get("credential"))
	if credential == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}

	result, err := h.tracking.Poll(r.Context(), credential, strings.TrimSpace(query.Get("hash")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trackResponse{
		PollResult:          result,
		PollIntervalSeconds: int(h.tracking.PollInterval() / time.Second),
	})
}

func (h *Handler) handleSurvey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req surveyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Credential = strings.TrimSpace(req.Credential)
	if req.Credential == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}

	snapshot, err := h.tracking.MarkSurveyFilled(r.Context(), req.Credential)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, surveyResponse{Snapshot: snapshot, Hash: tracking.Hash(snapshot)})
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services, err := h.catalog.ListServices(r.Context(), true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleWaitingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queues, err := h.queues.ListWaiting(r.Context(), strings.TrimSpace(r.URL.Query().Get("service_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if queues == nil {
		queues = []models.Queue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleNextWaiting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queue, ok, err := h.queues.NextWaiting(r.Context(), strings.TrimSpace(r.URL.Query().Get("service_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queueID := parts[0]
	action := parts[2]
	if !ident.IsUUID(queueID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "queue id must be a UUID")
		return
	}

	switch action {
	case store.ActionClaim, store.ActionComplete, store.ActionCancel:
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	adminID, _ := adminIDFromContext(r.Context())
	queue, err := h.queues.Apply(r.Context(), action, queueID, adminID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createServiceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	service, err := h.catalog.CreateService(r.Context(), store.CreateServiceInput{
		ServiceID: h.ids.NewID(),
		Name:      req.Name,
		Active:    active,
		CreatedAt: h.clock.Now().UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, service)
}

func (h *Handler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	serviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/services/"), "/")
	if serviceID == "" || strings.Contains(serviceID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req updateServiceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name must not be empty")
			return
		}
		req.Name = &name
	}
	if req.Name == nil && req.Active == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name or active is required")
		return
	}

	service, err := h.catalog.UpdateService(r.Context(), store.UpdateServiceInput{
		ServiceID: serviceID,
		Name:      req.Name,
		Active:    req.Active,
		UpdatedAt: h.clock.Now().UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

func (h *Handler) handleEntryPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req entryPointRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.links.CreateEntryPoint(r.Context(), req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func toLinkResponse(link models.TempVisitorLink, minted bool) linkResponse {
	return linkResponse{
		Token:     link.Token,
		ExpiresAt: link.ExpiresAt,
		Path:      "/register/" + link.Token,
		Minted:    minted,
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var notSubmitted *tracking.NotSubmittedError
	switch {
	case errors.As(err, &notSubmitted):
		return http.StatusNotFound, "not_submitted", notSubmitted.Reason
	case errors.Is(err, store.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed", "queue entry already claimed"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "queue status does not allow this action"
	case errors.Is(err, store.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized", "admin not authorized for this entry"
	case errors.Is(err, store.ErrInvalidReference):
		return http.StatusUnprocessableEntity, "invalid_reference", "referenced record does not exist"
	case errors.Is(err, store.ErrServiceInactive):
		return http.StatusConflict, "service_inactive", "service is not active"
	case errors.Is(err, store.ErrAlreadyUsed):
		return http.StatusConflict, "already_used", "link already used"
	case errors.Is(err, store.ErrExpired):
		return http.StatusGone, "expired", "link expired"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
