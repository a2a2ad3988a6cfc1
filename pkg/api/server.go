package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
	"github.com/datahive/personal-server/pkg/types"
)

// Operations is the orchestrator surface the API exposes
type Operations interface {
	Create(ctx context.Context, requestJSON []byte, signature string) (*types.CreateResponse, error)
	Get(ctx context.Context, opID string) (*types.OperationView, error)
	Cancel(ctx context.Context, opID string) (bool, error)
}

// Artifacts is the artifact store surface the API exposes
type Artifacts interface {
	List(ctx context.Context, opID string, message []byte, signature string) ([]types.ArtifactInfo, error)
	Read(ctx context.Context, opID, name string, message []byte, signature string) ([]byte, string, error)
}

// Server is the HTTP front of the personal server
type Server struct {
	operations Operations
	artifacts  Artifacts
	mux        *http.ServeMux
	httpSrv    *http.Server
}

// NewServer creates the API server and registers its routes
func NewServer(operations Operations, artifacts Artifacts) *Server {
	mux := http.NewServeMux()
	s := &Server{
		operations: operations,
		artifacts:  artifacts,
		mux:        mux,
	}

	mux.HandleFunc("POST /api/v1/operations", s.createHandler)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.getHandler)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", s.cancelHandler)
	mux.HandleFunc("GET /api/v1/operations/{id}/artifacts", s.listArtifactsHandler)
	mux.HandleFunc("GET /api/v1/operations/{id}/artifacts/{path...}", s.downloadArtifactHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.WithComponent("api").Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route handler for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// createRequest is the POST /operations body
type createRequest struct {
	AppSignature         string `json:"app_signature"`
	OperationRequestJSON string `json:"operation_request_json"`
}

func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("request body is not valid JSON"))
		return
	}
	if req.AppSignature == "" || req.OperationRequestJSON == "" {
		writeError(w, errdefs.Validation("app_signature and operation_request_json are required"))
		return
	}

	// The signature covers the exact operation_request_json string
	resp, err := s.operations.Create(r.Context(), []byte(req.OperationRequestJSON), req.AppSignature)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.operations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	accepted, err := s.operations.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !accepted {
		// Already terminal; treat as a successful no-op
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("id")
	signature := r.URL.Query().Get("signature")
	if signature == "" {
		writeError(w, errdefs.Authentication("signature query parameter is required"))
		return
	}

	payload := fmt.Sprintf(`{"operation_id":%q,"action":"list"}`, opID)
	infos, err := s.artifacts.List(r.Context(), opID, []byte(payload), signature)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": opID,
		"artifacts":    infos,
	})
}

func (s *Server) downloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("id")
	path := r.PathValue("path")
	signature := r.URL.Query().Get("signature")
	if signature == "" {
		writeError(w, errdefs.Authentication("signature query parameter is required"))
		return
	}

	payload := fmt.Sprintf(`{"operation_id":%q,"artifact_path":%q}`, opID, path)
	data, contentType, err := s.artifacts.Read(r.Context(), opID, path, []byte(payload), signature)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// errorBody is the uniform error response shape
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps error kinds onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errdefs.GetKind(err) {
	case errdefs.KindValidation:
		status = http.StatusBadRequest
	case errdefs.KindAuthentication:
		status = http.StatusUnauthorized
	case errdefs.KindAuthorization:
		status = http.StatusForbidden
	case errdefs.KindNotFound:
		status = http.StatusNotFound
	case errdefs.KindGrantValidation:
		status = http.StatusUnprocessableEntity
	case errdefs.KindContent:
		status = http.StatusBadGateway
		if errdefs.GetSubtype(err) == errdefs.ContentTimeout {
			status = http.StatusGatewayTimeout
		}
	case errdefs.KindChain, errdefs.KindCompute:
		status = http.StatusBadGateway
	}

	var body errorBody
	body.Error.Kind = string(errdefs.GetKind(err))
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
