package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grok-ai/BeER/internal/answer"
	"github.com/grok-ai/BeER/internal/api/middleware"
	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/service"
)

// Handler manages HTTP request handlers
type Handler struct {
	engine       *auth.Engine
	registration service.RegistrationService
	credentials  service.CredentialService
	dispatcher   service.DispatchService
	resources    service.ResourceService
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	engine *auth.Engine,
	registration service.RegistrationService,
	credentials service.CredentialService,
	dispatcher service.DispatchService,
	resources service.ResourceService,
	log *zap.Logger,
) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:       engine,
		registration: registration,
		credentials:  credentials,
		dispatcher:   dispatcher,
		resources:    resources,
		logger:       log,
	}
}

// SetupRoutes configures API routes. workerToken guards /join.
func SetupRoutes(router *mux.Router, h *Handler, workerToken string) {
	router.HandleFunc("/ready", h.Ready).Methods("POST")
	router.Handle("/join", middleware.RequireWorkerToken(workerToken)(http.HandlerFunc(h.Join))).Methods("POST")

	// User and permission routes
	router.HandleFunc("/register_user", h.RegisterUser).Methods("POST")
	router.HandleFunc("/set_permission", h.SetPermission).Methods("POST")
	router.HandleFunc("/check_permission", h.CheckPermission).Methods("POST")

	// Credential routes
	router.HandleFunc("/set_ssh_key", h.SetSSHKey).Methods("POST")
	router.HandleFunc("/check_ssh_key", h.CheckSSHKey).Methods("POST")

	// Job and resource routes
	router.HandleFunc("/job", h.Dispatch).Methods("POST")
	router.HandleFunc("/job_list", h.JobList).Methods("POST")
	router.HandleFunc("/list_resources", h.ListResources).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Request bodies. Every user-facing call carries the caller identity forwarded by the chat front-end.
type (
	userRequest struct {
		RequestUser *models.RequestUser `json:"request_user"`
	}

	registerUserRequest struct {
		RequestUser     *models.RequestUser     `json:"request_user"`
		UserID          string                  `json:"user_id"`
		PermissionLevel *models.PermissionLevel `json:"permission_level"`
	}

	setPermissionRequest struct {
		RequestUser     *models.RequestUser     `json:"request_user"`
		UserID          string                  `json:"user_id"`
		PermissionLevel *models.PermissionLevel `json:"permission_level"`
	}

	setKeyRequest struct {
		RequestUser *models.RequestUser `json:"request_user"`
		SSHKey      string              `json:"ssh_key"`
	}

	jobRequest struct {
		RequestUser *models.RequestUser `json:"request_user"`
		Job         *models.JobRequest  `json:"job"`
	}

	listResourcesRequest struct {
		RequestUser   *models.RequestUser `json:"request_user"`
		OnlyOnline    bool                `json:"only_online"`
		OnlyAvailable bool                `json:"only_available"`
	}
)

// Ready handles POST /ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	h.respond(w, answer.New(answer.Ready, nil))
}

// Join handles POST /join. The reported external IP is replaced by the address the call came from.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var wm models.WorkerModel
	if !h.decode(w, r, &wm) {
		return
	}
	wm.ExternalIP = remoteIP(r)

	worker, err := h.registration.Join(r.Context(), &wm)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.WorkerInfo, map[string]interface{}{"worker": worker}))
}

// RegisterUser handles POST /register_user
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	level := models.PermissionUser
	if req.PermissionLevel != nil {
		level = *req.PermissionLevel
	}

	actor, err := h.engine.AdmitGrant(r.Context(), *req.RequestUser, level)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.registration.RegisterUser(r.Context(), actor, req.UserID, level)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.RegistrationSuccessful, map[string]interface{}{
		"user_id":          user.ID,
		"permission_level": user.PermissionLevel,
	}))
}

// SetPermission handles POST /set_permission
func (h *Handler) SetPermission(w http.ResponseWriter, r *http.Request) {
	var req setPermissionRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	if req.PermissionLevel == nil {
		h.respondError(w, r, fmt.Errorf("%w: permission_level is required", service.ErrInvalidRequest))
		return
	}

	actor, err := h.engine.AdmitGrant(r.Context(), *req.RequestUser, *req.PermissionLevel)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	user, err := h.registration.SetPermission(r.Context(), actor, req.UserID, *req.PermissionLevel)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.RegistrationSuccessful, map[string]interface{}{
		"user_id":          user.ID,
		"permission_level": user.PermissionLevel,
	}))
}

// CheckPermission handles POST /check_permission: admits the caller at the given level without acting.
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req setPermissionRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	required := models.PermissionUser
	if req.PermissionLevel != nil {
		required = *req.PermissionLevel
	}
	user, err := h.engine.Admit(r.Context(), *req.RequestUser, required)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.PermissionOk, map[string]interface{}{"permission_level": user.PermissionLevel}))
}

// SetSSHKey handles POST /set_ssh_key
func (h *Handler) SetSSHKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	user, err := h.engine.Admit(r.Context(), *req.RequestUser, models.PermissionUser)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.credentials.SetKey(r.Context(), user.ID, req.SSHKey); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.SetKeySuccessful, nil))
}

// CheckSSHKey handles POST /check_ssh_key
func (h *Handler) CheckSSHKey(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	user, err := h.engine.Admit(r.Context(), *req.RequestUser, models.PermissionUser)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	isSet, err := h.credentials.HasKey(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.KeyCheck, map[string]interface{}{"is_set": isSet}))
}

// Dispatch handles POST /job
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	requester, err := h.engine.Admit(r.Context(), *req.RequestUser, models.PermissionUser)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Job == nil {
		h.respondError(w, r, fmt.Errorf("%w: job is required", service.ErrInvalidRequest))
		return
	}
	job, err := h.dispatcher.Dispatch(r.Context(), requester, *req.Job)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.DispatchOk, map[string]interface{}{
		"job":     job,
		"pod":     job.Pod,
		"service": job.Service,
	}))
}

// JobList handles POST /job_list
func (h *Handler) JobList(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	user, err := h.engine.Admit(r.Context(), *req.RequestUser, models.PermissionUser)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	jobs, err := h.dispatcher.ListJobs(r.Context(), user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.JobList, map[string]interface{}{"jobs": jobs}))
}

// ListResources handles POST /list_resources
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	var req listResourcesRequest
	if !h.decode(w, r, &req) || !h.requireCaller(w, r, req.RequestUser) {
		return
	}
	if _, err := h.engine.Admit(r.Context(), *req.RequestUser, models.PermissionUser); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.resources.ListResources(r.Context(), req.OnlyOnline, req.OnlyAvailable)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, answer.New(answer.Resources, map[string]interface{}{
		"workers":  res.Workers,
		"gpus":     res.GPUs,
		"capacity": res.Capacity,
	}))
}

// Helper functions

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.respondError(w, r, fmt.Errorf("%w: body exceeds %d bytes", service.ErrInvalidRequest, tooLarge.Limit))
		return false
	}
	h.respondError(w, r, fmt.Errorf("%w: malformed JSON: %v", service.ErrInvalidRequest, err))
	return false
}

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request, caller *models.RequestUser) bool {
	if caller == nil || strings.TrimSpace(caller.UserID) == "" {
		h.respondError(w, r, fmt.Errorf("%w: request_user.user_id is required", service.ErrInvalidRequest))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, a answer.Answer) {
	answer.Write(w, a)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	a := answer.FromError(err)
	log := logger.For(r.Context(), h.logger).With(zap.String("code", a.Code.Name), zap.String("path", r.URL.Path))
	if a.Code.Status >= http.StatusInternalServerError {
		log.Error(a.Message(), zap.Error(err))
	} else {
		log.Info(a.Message())
	}
	answer.Write(w, a)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
