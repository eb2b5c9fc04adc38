// Package httpapi exposes the engagement services over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/engagement_layer/internal/app"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/services/accounts"
	"github.com/R3E-Network/engagement_layer/internal/app/services/feed"
	ledgersvc "github.com/R3E-Network/engagement_layer/internal/app/services/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/services/posts"
	"github.com/R3E-Network/engagement_layer/internal/app/services/reactions"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/middleware"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// errBadRequest marks malformed input detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

// Options selects the middleware wrapped around the routes.
type Options struct {
	Auth *middleware.AuthMiddleware
	// Limiter throttles writes per user; nil disables throttling.
	Limiter *middleware.RateLimiter
	// CORS is optional.
	CORS *middleware.CORSMiddleware
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the engagement API.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthMiddleware(nil, "", log)
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.NewRequestLogger(log).Handler)
	if opts.CORS != nil {
		r.Use(opts.CORS.Handler)
	}
	r.Use(opts.Auth.Handler)

	authed := func(fn http.HandlerFunc) http.Handler {
		return middleware.RequireUserID(fn)
	}
	write := func(fn http.HandlerFunc) http.Handler {
		if opts.Limiter == nil {
			return authed(fn)
		}
		return middleware.RequireUserID(opts.Limiter.Handler(fn))
	}

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	r.HandleFunc("/feed", h.getFeed).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id:[0-9]+}", h.getPost).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id:[0-9]+}/reactions", h.getReactions).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id:[0-9]+}/comments", h.listComments).Methods(http.MethodGet)
	r.Handle("/posts", write(h.createPost)).Methods(http.MethodPost)
	r.Handle("/posts/{id:[0-9]+}/reactions", write(h.toggleReaction)).Methods(http.MethodPost)
	r.Handle("/posts/{id:[0-9]+}/comments", write(h.addComment)).Methods(http.MethodPost)

	r.Handle("/accounts", authed(h.register)).Methods(http.MethodPost)
	r.Handle("/accounts/me", authed(h.me)).Methods(http.MethodGet)
	r.Handle("/accounts/me/region", authed(h.setRegion)).Methods(http.MethodPut)
	r.Handle("/accounts/me/balance", authed(h.balance)).Methods(http.MethodGet)
	r.Handle("/accounts/me/ledger", authed(h.history)).Methods(http.MethodGet)
	r.Handle("/notifications", authed(h.listNotifications)).Methods(http.MethodGet)
	r.Handle("/notifications/read", authed(h.markRead)).Methods(http.MethodPost)
	r.Handle("/push-subscriptions", authed(h.registerPush)).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- accounts ---------------------------------------------------------------

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RegionID int64 `json:"region_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	acct, err := h.app.Accounts.Register(r.Context(), middleware.GetUserID(r.Context()), payload.RegionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Accounts.Get(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) setRegion(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RegionID int64 `json:"region_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	acct, err := h.app.Accounts.SetRegion(r.Context(), middleware.GetUserID(r.Context()), payload.RegionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	balance, err := h.app.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": userID, "balance": balance})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	beforeID, err := queryInt(r, "before_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.app.Ledger.History(r.Context(), middleware.GetUserID(r.Context()), int(limit), beforeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- posts and feed ---------------------------------------------------------

func (h *handler) createPost(w http.ResponseWriter, r *http.Request) {
	var draft post.Draft
	if err := decodeJSON(r.Body, &draft); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	created, err := h.app.Posts.CreatePost(r.Context(), middleware.GetUserID(r.Context()), draft)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getPost(w http.ResponseWriter, r *http.Request) {
	id, err := postID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.app.Posts.GetPost(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	engagement, err := h.app.Reactions.Aggregate(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed.Item{Post: p, Engagement: engagement})
}

func (h *handler) getFeed(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var filters post.Filters
	if filters.CategoryID, err = queryInt(r, "category_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	if filters.StoreID, err = queryInt(r, "store_id"); err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.app.Feed.GetFeed(r.Context(), viewer, filters, r.URL.Query().Get("cursor"), int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// viewer resolves the caller's home region. Anonymous callers and callers
// without an account see the unranked feed.
func (h *handler) viewer(ctx context.Context) (*feed.Viewer, error) {
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		return nil, nil
	}
	acct, err := h.app.Accounts.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &feed.Viewer{ID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &feed.Viewer{ID: userID, RegionID: acct.RegionID}, nil
}

func (h *handler) addComment(w http.ResponseWriter, r *http.Request) {
	id, err := postID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	c, err := h.app.Posts.AddComment(r.Context(), id, middleware.GetUserID(r.Context()), payload.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) listComments(w http.ResponseWriter, r *http.Request) {
	id, err := postID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	comments, err := h.app.Posts.ListComments(r.Context(), id, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

// --- reactions --------------------------------------------------------------

func (h *handler) toggleReaction(w http.ResponseWriter, r *http.Request) {
	id, err := postID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	kind, err := reaction.ParseType(payload.Type)
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	agg, err := h.app.Reactions.Toggle(r.Context(), id, middleware.GetUserID(r.Context()), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *handler) getReactions(w http.ResponseWriter, r *http.Request) {
	id, err := postID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	agg, err := h.app.Reactions.Aggregate(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// --- notifications ----------------------------------------------------------

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.app.Notifications.List(r.Context(), middleware.GetUserID(r.Context()), unread, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, badRequest(err))
		return
	}
	updated, err := h.app.Notifications.MarkRead(r.Context(), middleware.GetUserID(r.Context()), payload.IDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *handler) registerPush(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	if strings.TrimSpace(payload.Endpoint) == "" {
		h.fail(w, r, badRequest(fmt.Errorf("endpoint is required")))
		return
	}
	if err := h.app.Notifications.RegisterPush(r.Context(), middleware.GetUserID(r.Context()), payload.Endpoint); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// --- helpers ----------------------------------------------------------------

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, posts.ErrInsufficientPoints), errors.Is(err, ledgersvc.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, errBadRequest),
		errors.Is(err, accounts.ErrInvalidRegion),
		errors.Is(err, posts.ErrValidation),
		errors.Is(err, feed.ErrInvalidCursor),
		errors.Is(err, ledgersvc.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reactions.ErrDuplicateReaction), errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ledgersvc.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, posts.ErrStorageFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).WithField("status", status).Error("request failed")
		if status == http.StatusInternalServerError {
			err = errors.New("internal error")
		}
	}
	writeError(w, status, err)
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", errBadRequest, err)
}

func postID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(fmt.Errorf("invalid post id"))
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest(fmt.Errorf("%s must be a non-negative integer", name))
	}
	return v, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
