package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oxtoacart/bpool"
	"storeit/internal/audit"
	"storeit/internal/metrics"
	"storeit/internal/util"
	"storeit/pkg/domain"
	"storeit/pkg/identity"
	"storeit/pkg/query"
	"storeit/services/drive/internal/app"
)

const (
	maxJSONBytes     = 1 << 20
	maxFormFieldSize = 4 << 10
	minUploadBuffer  = 64 << 10
	maxUploadBuffer  = 8 << 20
	uploadBufferPool = 16
)

// RateLimiter throttles OTP endpoints per client.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// OTPLimiter guards signup, signin and verify. Nil disables throttling.
	OTPLimiter RateLimiter
	// Alerter, when set, counts authentication failures per client.
	Alerter        *audit.Alerter
	Metrics        *metrics.Metrics
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
}

// Server exposes the drive HTTP API.
type Server struct {
	app            *app.App
	limiter        RateLimiter
	alerter        *audit.Alerter
	metrics        *metrics.Metrics
	trusted        *util.TrustedProxies
	corsOrigins    []string
	mux            *http.ServeMux
	buffers        *bpool.SizedBufferPool
	maxUploadBytes int64
	maxBodyBytes   int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	maxUpload := cfg.App.MaxUploadBytes()
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.OTPLimiter,
		alerter:        cfg.Alerter,
		metrics:        cfg.Metrics,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		mux:            http.NewServeMux(),
		buffers:        bpool.NewSizedBufferPool(uploadBufferPool, uploadBufferAlloc(maxUpload)),
		maxUploadBytes: maxUpload,
		maxBodyBytes:   maxUpload*10 + 1<<20,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("drive", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	// accounts
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/signin", s.handleSignin)
	s.mux.HandleFunc("/api/auth/verify", s.handleVerify)
	s.mux.HandleFunc("/api/auth/signout", s.handleSignout)
	s.mux.Handle("/api/users/me", s.withUser(s.handleMe))

	// files
	s.mux.Handle("/api/files", s.withUser(s.handleFiles))
	s.mux.Handle("/api/files/", s.withUser(s.handleFileByID))
	s.mux.Handle("/api/usage", s.withUser(s.handleUsage))
	s.mux.Handle("/blobs/", s.withUser(s.handleBlob))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.CurrentUser(r.Context(), token)
		if err != nil {
			if errors.Is(err, app.ErrUnauthenticated) {
				s.observe(r, audit.EventAuthorize, audit.OutcomeFail)
			}
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, event string) bool {
	if s.limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	allowed, retryAfter := s.limiter.Allow(r.Context(), key)
	if allowed {
		return true
	}
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	util.LoggerFromContext(r.Context()).Warn("security_event", "event", "otp_rate_limited", "path", r.URL.Path)
	s.observe(r, event, audit.OutcomeThrottle)
	writeError(w, http.StatusTooManyRequests, "too many verification requests")
	return false
}

// observe feeds the audit alerter and logs a security_alert once a client
// crosses a threshold.
func (s *Server) observe(r *http.Request, event, outcome string) {
	if s.alerter == nil {
		return
	}
	ip := util.ClientIP(r, s.trusted)
	logger := util.LoggerFromContext(r.Context())
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("audit_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Warn("security_alert",
			"event", event,
			"outcome", outcome,
			"client_ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// observeFailure counts client-caused failures only.
func (s *Server) observeFailure(r *http.Request, event string, err error) {
	if status, _ := statusFor(err); status < http.StatusInternalServerError {
		s.observe(r, event, audit.OutcomeFail)
	}
}

type signupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type signinRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type challengeResponse struct {
	AccountID          string `json:"accountId"`
	ChallengeID        string `json:"challengeId"`
	ExpiresInSeconds   int64  `json:"expiresInSeconds,omitempty"`
	ResendAfterSeconds int64  `json:"resendAfterSeconds,omitempty"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	AccountID string    `json:"accountId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func toChallengeResponse(ch app.AccountChallenge) challengeResponse {
	return challengeResponse{
		AccountID:          ch.AccountID,
		ChallengeID:        ch.ChallengeID,
		ExpiresInSeconds:   int64(ch.ExpiresIn / time.Second),
		ResendAfterSeconds: int64(ch.ResendAfter / time.Second),
	}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, audit.EventOTPIssue) {
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ch, err := s.app.CreateAccount(r.Context(), req.FullName, req.Email)
	if err != nil {
		s.observeFailure(r, audit.EventOTPIssue, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChallengeResponse(ch))
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, audit.EventOTPIssue) {
		return
	}
	var req signinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ch, err := s.app.SignIn(r.Context(), req.Email)
	if err != nil {
		s.observeFailure(r, audit.EventOTPIssue, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(ch))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, audit.EventOTPVerify) {
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.app.VerifyOTP(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		s.observeFailure(r, audit.EventOTPVerify, err)
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: sess.Token, AccountID: sess.AccountID, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.SignOut(r.Context(), token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListFiles(w, r, user)
	case http.MethodPost:
		s.handleUpload(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, user domain.User) {
	q := r.URL.Query()
	params := query.Params{
		Types:      query.ParseTypes(q.Get("types")),
		SearchText: strings.TrimSpace(q.Get("query")),
		Sort:       q.Get("sort"),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = n
	}
	files, err := s.app.ListFiles(r.Context(), user, params, viewPath(q.Get("path")))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": files,
		"total":     len(files),
	})
}

type uploadItem struct {
	Name   string       `json:"name"`
	Status int          `json:"status"`
	File   *domain.File `json:"file,omitempty"`
	Error  string       `json:"error,omitempty"`
	Code   string       `json:"code,omitempty"`
}

// uploadBufferAlloc sizes pooled part buffers to hold a whole file up to
// maxUploadBuffer. The pool drops buffers that grew past this size when they
// are returned, so only files up to it are served from recycled memory.
func uploadBufferAlloc(maxUpload int64) int {
	alloc := maxUpload + 1
	if alloc < minUploadBuffer {
		return minUploadBuffer
	}
	if alloc > maxUploadBuffer {
		return maxUploadBuffer
	}
	return int(alloc)
}

// handleUpload streams multipart "file" parts into pooled buffers and ingests
// them together. A part larger than the per-file limit is not buffered past
// the limit; it is reported as rejected without reaching the blob store.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	var (
		uploads []app.Upload
		buffers []*bytes.Buffer
		path    = r.URL.Query().Get("path")
	)
	defer func() {
		for _, buf := range buffers {
			s.buffers.Put(buf)
		}
	}()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeBodyError(w, err)
			return
		}
		switch part.FormName() {
		case "path":
			raw, err := io.ReadAll(io.LimitReader(part, maxFormFieldSize))
			if err != nil {
				writeBodyError(w, err)
				return
			}
			path = string(raw)
		case "file":
			buf := s.buffers.Get()
			buffers = append(buffers, buf)
			n, err := io.CopyN(buf, part, s.maxUploadBytes+1)
			if err != nil && !errors.Is(err, io.EOF) {
				writeBodyError(w, err)
				return
			}
			up := app.Upload{Name: part.FileName(), Size: n}
			if n > s.maxUploadBytes {
				buf.Reset()
				if _, err := io.Copy(io.Discard, part); err != nil {
					writeBodyError(w, err)
					return
				}
			} else {
				up.Body = bytes.NewReader(buf.Bytes())
			}
			uploads = append(uploads, up)
		}
		_ = part.Close()
	}
	if len(uploads) == 0 {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}

	results := s.app.UploadFiles(r.Context(), user, viewPath(path), uploads)
	items := make([]uploadItem, 0, len(results))
	failed := 0
	for _, res := range results {
		item := uploadItem{Name: res.Name, Status: http.StatusCreated}
		if res.Err != nil {
			failed++
			status, msg := statusFor(res.Err)
			item.Status = status
			item.Error = msg
			item.Code = errorCode(status, msg)
		} else {
			f := res.File
			item.File = &f
		}
		items = append(items, item)
	}
	status := http.StatusCreated
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"items": items, "count": len(items)})
}

// /api/files/{id} or /api/files/{id}/users
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/files/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	path := viewPath(r.URL.Query().Get("path"))
	if len(parts) == 2 {
		if parts[1] != "users" {
			notFound(w, "not found")
			return
		}
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var req struct {
			Emails []string `json:"emails"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		f, err := s.app.ShareFile(r.Context(), user, id, req.Emails, path)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Name      string `json:"name"`
			Extension string `json:"extension"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		f, err := s.app.RenameFile(r.Context(), user, id, req.Name, req.Extension, path)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	case http.MethodDelete:
		if err := s.app.DeleteFile(r.Context(), user, id, path); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := s.app.Usage(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleBlob redirects to a short-lived presigned download URL.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	blobID := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if blobID == "" || strings.Contains(blobID, "/") {
		notFound(w, "not found")
		return
	}
	url, err := s.app.BlobURL(r.Context(), user, blobID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func viewPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	return raw
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid form data")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request_failed", "status", status, "err", err)
	}
	writeError(w, status, msg)
}

// statusFor maps the application error taxonomy onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "file too large"
	case errors.Is(err, app.ErrUnauthenticated),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrTokenRevoked):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, app.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, identity.ErrResendTooSoon):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrNameRequired),
		errors.Is(err, app.ErrFullNameRequired),
		errors.Is(err, app.ErrUploadSizeUnknown),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrEmailRequired),
		errors.Is(err, identity.ErrChallengeRequired),
		errors.Is(err, identity.ErrChallengeInvalid),
		errors.Is(err, identity.ErrCodeRequired),
		errors.Is(err, identity.ErrCodeInvalid),
		errors.Is(err, identity.ErrCodeExpired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrExternalStore):
		return http.StatusBadGateway, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "file not found":
		return "FILE_NOT_FOUND"
	case "user not found":
		return "AUTH_USER_NOT_FOUND"
	case "file too large", "request body too large":
		return "FILE_TOO_LARGE"
	case "forbidden":
		return "FILE_FORBIDDEN"
	case "invalid form data":
		return "FILE_INVALID_UPLOAD_FORM"
	case "file is required (field: file)":
		return "FILE_REQUIRED"
	case "storage unavailable":
		return "STORAGE_UNAVAILABLE"
	case "invalid json body":
		return "REQUEST_INVALID_JSON"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
