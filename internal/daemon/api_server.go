package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retrain/internal/api"
	"retrain/internal/assets"
	"retrain/internal/config"
	"retrain/internal/logging"
	"retrain/internal/scheduler"
	"retrain/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon
	engine *gin.Engine

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// newAPIServer returns nil when no bind address is configured. Every method
// tolerates a nil receiver.
func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		token:  cfg.Paths.APIToken,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}
	srv.engine = srv.routes(cfg.Paths.APIProfiling)
	return srv
}

func (s *apiServer) routes(profiling bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware(), s.accessLog())
	r.Use(cors.New(cors.Config{
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader},
		AllowOriginFunc: func(string) bool { return true },
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/metrics", prometheusHandler())
	if profiling {
		pprof.Register(r)
	}

	g := r.Group("/api", authMiddleware(s.token))
	g.GET("/status", s.handleStatus)
	g.GET("/jobs", s.handleJobHistory)
	g.POST("/jobs", s.handleSubmit)
	g.GET("/jobs/:id", s.handleJob)
	g.DELETE("/jobs/:id", s.handleCancel)
	g.GET("/admission", s.handleAdmission)
	g.POST("/emergency-stop", s.handleEmergencyStop)
	g.POST("/cycle", s.handleCycle)
	g.DELETE("/cooldowns", s.handleClearAllCooldowns)
	g.DELETE("/cooldowns/:subject/:variant", s.handleClearCooldown)
	g.GET("/storage/stats", s.handleStorageStats)
	g.POST("/storage/cleanup", s.handleCleanup)
	g.POST("/storage/flush", s.handleFlush)
	g.POST("/storage/migrate", s.handleMigrate)
	g.GET("/assets/:subject", s.handleAsset)
	g.GET("/assets/:subject/document", s.handleAssetDocument)
	g.PUT("/assets/:subject/document", s.handleRestoreAsset)
	g.POST("/assets/:subject/predictions", s.handleRecordPrediction)
	g.GET("/assets/:subject/features", s.handleFeatures)
	g.PUT("/assets/:subject/features", s.handleSaveFeatures)
	g.GET("/assets/:subject/models/:variant", s.handleModelWeights)
	return r
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_server_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "HTTP API unavailable until restart"),
			)
		}
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.String(logging.FieldEventType, "api_listening"),
	)
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		logging.WithContext(c.Request.Context(), s.logger).Debug("api request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
			logging.String(logging.FieldEventType, "api_request"),
		)
	}
}

func (s *apiServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusDTO(s.daemon.Status(c.Request.Context())))
}

func (s *apiServer) handleSubmit(c *gin.Context) {
	var req api.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrValidation, "api", "submit", "invalid request body", err))
		return
	}
	id, err := s.daemon.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, api.SubmitResponse{JobID: id})
}

func (s *apiServer) handleJob(c *gin.Context) {
	job, ok := s.daemon.Job(c.Param("id"))
	if !ok {
		s.writeError(c, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, api.FromJob(job))
}

func (s *apiServer) handleJobHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, services.Wrap(services.ErrValidation, "api", "jobs", "limit must be a non-negative integer", nil))
			return
		}
		limit = n
	}
	records, err := s.daemon.JobHistory(c.Request.Context(), c.Query("subject"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	jobs := make([]api.Job, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, api.FromJobRecord(rec))
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *apiServer) handleCancel(c *gin.Context) {
	id := c.Param("id")
	wasActive, err := s.daemon.Cancel(c.Request.Context(), id, c.Query("reason"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.CancelResponse{JobID: id, WasActive: wasActive})
}

func (s *apiServer) handleAdmission(c *gin.Context) {
	subject, variant := c.Query("subject"), c.Query("variant")
	adm, err := s.daemon.CanAdmit(subject, variant)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.FromAdmission(subject, variant, adm))
}

func (s *apiServer) handleEmergencyStop(c *gin.Context) {
	res := s.daemon.EmergencyStop(c.Request.Context(), c.Query("reason"))
	c.JSON(http.StatusOK, api.StopResponse{CancelledPending: res.CancelledPending, FlaggedActive: res.FlaggedActive})
}

func (s *apiServer) handleCycle(c *gin.Context) {
	c.JSON(http.StatusOK, api.FromCycleResult(s.daemon.RunCycle(c.Request.Context())))
}

func (s *apiServer) handleClearCooldown(c *gin.Context) {
	cleared, err := s.daemon.ClearCooldown(c.Request.Context(), c.Param("subject"), c.Param("variant"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	n := 0
	if cleared {
		n = 1
	}
	c.JSON(http.StatusOK, api.CooldownClearResponse{Cleared: n})
}

func (s *apiServer) handleClearAllCooldowns(c *gin.Context) {
	n, err := s.daemon.ClearAllCooldowns(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.CooldownClearResponse{Cleared: n})
}

func (s *apiServer) handleStorageStats(c *gin.Context) {
	stats, err := s.daemon.StorageStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.FromStorageStats(stats))
}

func (s *apiServer) handleCleanup(c *gin.Context) {
	var req api.CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, services.Wrap(services.ErrValidation, "api", "cleanup", "invalid request body", err))
			return
		}
	}
	res, err := s.daemon.Cleanup(c.Request.Context(), req.MaxAgeHours)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (s *apiServer) handleFlush(c *gin.Context) {
	saved, err := s.daemon.ForceSave(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.FlushResponse{Saved: saved})
}

func (s *apiServer) handleMigrate(c *gin.Context) {
	var req api.MigrationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, services.Wrap(services.ErrValidation, "api", "migrate", "invalid request body", err))
			return
		}
	}
	summary, err := s.daemon.Migrate(c.Request.Context(), req.DryRun)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.FromMigrationSummary(summary))
}

func (s *apiServer) handleAsset(c *gin.Context) {
	rec, err := s.daemon.Asset(c.Request.Context(), c.Param("subject"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.FromRecord(rec))
}

func (s *apiServer) handleAssetDocument(c *gin.Context) {
	rec, err := s.daemon.Asset(c.Request.Context(), c.Param("subject"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *apiServer) handleRestoreAsset(c *gin.Context) {
	var rec assets.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.writeError(c, services.Wrap(services.ErrValidation, "api", "restore asset", "invalid document", err))
		return
	}
	if err := s.daemon.RestoreAsset(c.Request.Context(), c.Param("subject"), &rec); err != nil {
		s.writeError(c, err)
		return
	}
	s.handleAsset(c)
}

func (s *apiServer) handleRecordPrediction(c *gin.Context) {
	var req api.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrValidation, "api", "record prediction", "invalid request body", err))
		return
	}
	req.Subject = c.Param("subject")
	if err := s.daemon.RecordPrediction(c.Request.Context(), req); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) handleFeatures(c *gin.Context) {
	resp, err := s.daemon.Features(c.Request.Context(), c.Param("subject"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *apiServer) handleSaveFeatures(c *gin.Context) {
	var req api.FeatureCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, services.Wrap(services.ErrValidation, "api", "save features", "invalid request body", err))
		return
	}
	req.Subject = c.Param("subject")
	if err := s.daemon.SaveFeatures(c.Request.Context(), req); err != nil {
		s.writeError(c, err)
		return
	}
	s.handleFeatures(c)
}

func (s *apiServer) handleModelWeights(c *gin.Context) {
	features := 0
	if raw := c.Query("features"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(c, services.Wrap(services.ErrValidation, "api", "weights", "features must be a positive integer", nil))
			return
		}
		features = n
	}
	resp, err := s.daemon.ModelWeights(c.Request.Context(), c.Param("subject"), c.Param("variant"), features)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *apiServer) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logging.WarnWithContext(logging.WithContext(c.Request.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", c.FullPath()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "request was not completed"),
		)
	}
	c.JSON(status, api.ErrorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAdmissionDenied), errors.Is(err, scheduler.ErrJobSettling):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrJobNotFound), errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
