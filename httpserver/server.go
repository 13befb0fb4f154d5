// Package httpserver implements the admin HTTP server of epidd: health checks, draining,
// on-demand provisioning and a status report.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/edgelesssys/go-sgx-epid/device"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// HTTPServerConfig configures the admin server.
type HTTPServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	// Debug reports detailed error codes.
	Debug bool
	Log   *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Provisioner runs provisioning. *provision.Driver implements it.
type Provisioner interface {
	Provision(ctx context.Context, performanceRekey bool) ([]byte, error)
	Running() bool
	LastProvisioned() time.Time
}

// Server is the admin HTTP server.
type Server struct {
	cfg         *HTTPServerConfig
	isReady     atomic.Bool
	log         *slog.Logger
	provisioner Provisioner
	probe       func() device.Status

	srv *http.Server
}

// New returns a server. probe reports the SGX devices in the status.
func New(cfg *HTTPServerConfig, provisioner Provisioner, probe func() device.Status) *Server {
	srv := &Server{
		cfg:         cfg,
		log:         cfg.Log,
		provisioner: provisioner,
		probe:       probe,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/api/v1/provision", srv.handleProvision)
	mux.With(srv.httpLogger).Get("/api/v1/status", srv.handleStatus)

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

type provisionResponse struct {
	Status   string `json:"status"`
	AESMCode uint32 `json:"aesm_code"`
	Error    string `json:"error,omitempty"`
}

// handleProvision runs a provisioning transaction.
//
// Endpoint: POST /api/v1/provision?rekey=<bool>
func (srv *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	rekey := false
	if raw := r.URL.Query().Get("rekey"); raw != "" {
		var err error
		if rekey, err = strconv.ParseBool(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, provisionResponse{
				Status:   "invalid request",
				AESMCode: uint32(status.AESMParameterError),
				Error:    "rekey is not a boolean",
			})
			return
		}
	}
	if srv.provisioner.Running() {
		writeJSON(w, http.StatusConflict, provisionResponse{Status: "already running", AESMCode: uint32(status.AESMBusy)})
		return
	}

	if _, err := srv.provisioner.Provision(r.Context(), rekey); err != nil {
		coarse := status.Coarsen(err, srv.cfg.Debug)
		resp := provisionResponse{Status: "failed", AESMCode: uint32(status.ToAESM(coarse))}
		if srv.cfg.Debug {
			resp.Error = err.Error()
		}
		writeJSON(w, httpStatusOf(coarse), resp)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{Status: "provisioned"})
}

func httpStatusOf(err error) int {
	switch status.CodeOf(err) {
	case status.Busy, status.NetworkError:
		return http.StatusServiceUnavailable
	case status.BackendServerError, status.MsgError, status.UnsupportedVersion:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	Provisioning    bool          `json:"provisioning"`
	LastProvisioned *time.Time    `json:"last_provisioned,omitempty"`
	Ready           bool          `json:"ready"`
	Devices         device.Status `json:"devices"`
}

// handleStatus reports the provisioning state and the SGX devices.
//
// Endpoint: GET /api/v1/status
func (srv *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Provisioning: srv.provisioner.Running(),
		Ready:        srv.isReady.Load(),
		Devices:      srv.probe(),
	}
	if last := srv.provisioner.LastProvisioned(); !last.IsZero() {
		resp.LastProvisioned = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleDrain marks the server as not ready and answers after the drain duration, so load
// balancers have stopped sending requests by then.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")

	timer := time.NewTimer(srv.cfg.DrainDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		srv.log.Info("Drain period completed")
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Serve serves on ln until Shutdown is called.
func (srv *Server) Serve(ln net.Listener) error {
	srv.log.Info("Starting admin HTTP server", "listenAddress", ln.Addr().String())
	if err := srv.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunInBackground listens on the configured address and serves in a new goroutine.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting admin HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Admin HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful admin HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("Admin HTTP server gracefully stopped")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
