package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/internal/pipeline"
	"github.com/caremesh/registrar/pkg/common"
	"github.com/gin-gonic/gin"
)

const (
	defaultInflightTTLSec     = 120
	defaultWebhookDispatchSec = 120
)

// inflightClient is the Redis slice the webhook dedup uses.
type inflightClient interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// registrationProcessor is the pipeline surface the API dispatches into.
type registrationProcessor interface {
	EnqueueRegistrationTasks(ctx context.Context, subjectID int64) (int, error)
	ProcessTasksForSubject(ctx context.Context, subjectID int64) (int, error)
	ProcessNextGlobalTask(ctx context.Context) (bool, error)
	RequeueFailedTask(ctx context.Context, subjectID int64, taskType string) (bool, error)
}

type statusAggregator interface {
	GetRegistrationStatus(ctx context.Context, subjectID int64) (*model.RegistrationStatusView, error)
}

type roomReconciler interface {
	RunRoomSync(ctx context.Context) (model.ReconcileReport, error)
}

// roomReader backs the admin room-inspection endpoint.
type roomReader interface {
	GetCareTeamRoom(ctx context.Context, subjectID int64) (*model.ChatRoom, error)
}

// Server carries the API handlers' dependencies.
type Server struct {
	processor  registrationProcessor
	status     statusAggregator
	reconciler roomReconciler
	rooms      roomReader
	breakers   *pipeline.BreakerRegistry
	redis      inflightClient
	logger     *slog.Logger
}

func NewServer(
	processor registrationProcessor,
	status statusAggregator,
	reconciler roomReconciler,
	rooms roomReader,
	breakers *pipeline.BreakerRegistry,
	redisClient inflightClient,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		processor:  processor,
		status:     status,
		reconciler: reconciler,
		rooms:      rooms,
		breakers:   breakers,
		redis:      redisClient,
		logger:     logger.With("component", "api"),
	}
}

// RegisterRoutes wires the HTTP surface onto the gin engine.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.POST("/registration/webhook", s.handlePaymentWebhook)
	v1.GET("/registration/:subject_id/status", s.handleGetStatus)

	admin := v1.Group("/admin", AdminAuthMiddleware())
	admin.POST("/subjects/:subject_id/process", s.handleProcessSubject)
	admin.GET("/subjects/:subject_id/room", s.handleGetRoom)
	admin.POST("/subjects/:subject_id/tasks/:task_type/requeue", s.handleRequeueTask)
	admin.POST("/tasks/process-next", s.handleProcessNext)
	admin.POST("/reconcile/rooms", s.handleReconcileRooms)
	admin.GET("/breakers", s.handleBreakerSnapshot)
	admin.POST("/breakers/:operation/reset", s.handleBreakerReset)
}

type webhookRequest struct {
	SubjectID int64 `json:"subject_id" binding:"required"`
}

// handlePaymentWebhook is the payment-completion trigger. It enqueues the
// registration tasks (idempotent upsert) and kicks off asynchronous
// per-subject processing; the webhook sender only needs the 202.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	if secret := getEnvString("WEBHOOK_SECRET", ""); secret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			webhookTotal.WithLabelValues("rejected", "bad_secret").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret", "code": "UNAUTHORIZED"})
			return
		}
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		webhookTotal.WithLabelValues("rejected", "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required", "code": "BAD_REQUEST"})
		return
	}

	logger := s.logger.With("subject_id", req.SubjectID, "trace_id", GetRequestID(c))

	created, err := s.processor.EnqueueRegistrationTasks(c.Request.Context(), req.SubjectID)
	if err != nil {
		webhookTotal.WithLabelValues("error", "enqueue_failed").Inc()
		logger.Error("Webhook enqueue failed", "event", "webhook", "reason", "enqueue_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue registration tasks", "code": "INTERNAL"})
		return
	}

	// In-flight dedup: a double-delivered webhook should start one processing
	// goroutine, not two. The task upsert above stays the durable layer.
	inflightTTL := time.Duration(getEnvInt("WEBHOOK_INFLIGHT_TTL_SEC", defaultInflightTTLSec)) * time.Second
	inflightKey := common.InFlightKeyPrefix + strconv.FormatInt(req.SubjectID, 10)
	acquired := true
	if s.redis != nil {
		var nxErr error
		acquired, nxErr = s.redis.SetNX(c.Request.Context(), inflightKey, "1", inflightTTL)
		if nxErr != nil {
			// Redis being down degrades to duplicate dispatch, which the
			// idempotent handlers absorb.
			logger.Warn("Webhook inflight dedup unavailable", "event", "webhook", "reason", "redis_error", "error", nxErr)
			acquired = true
		}
	}

	if acquired {
		dispatchTimeout := time.Duration(getEnvInt("WEBHOOK_DISPATCH_TIMEOUT_SEC", defaultWebhookDispatchSec)) * time.Second
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			defer func() {
				if s.redis != nil {
					_ = s.redis.Del(ctx, inflightKey)
				}
			}()
			if _, err := s.processor.ProcessTasksForSubject(ctx, req.SubjectID); err != nil {
				logger.Error("Async subject processing failed", "event", "webhook_dispatch", "error", err)
			}
		}()
	}

	webhookTotal.WithLabelValues("accepted", "ok").Inc()
	logger.Info("Webhook accepted", "event", "webhook", "tasks_created", created, "dispatching", acquired)
	c.JSON(http.StatusAccepted, gin.H{
		"subject_id":    req.SubjectID,
		"tasks_created": created,
		"dispatching":   acquired,
	})
}

func (s *Server) handleGetStatus(c *gin.Context) {
	subjectID, ok := parseSubjectID(c)
	if !ok {
		return
	}
	view, err := s.status.GetRegistrationStatus(c.Request.Context(), subjectID)
	if err != nil {
		s.logger.Error("Status read failed", "subject_id", subjectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to derive registration status", "code": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleProcessSubject(c *gin.Context) {
	subjectID, ok := parseSubjectID(c)
	if !ok {
		return
	}
	processed, err := s.processor.ProcessTasksForSubject(c.Request.Context(), subjectID)
	if err != nil {
		s.logger.Error("Subject processing failed", "subject_id", subjectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task processing failed", "code": "INTERNAL", "processed": processed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "processed": processed})
}

// handleGetRoom exposes the subject's care-team room with its members so an
// operator can verify what the reconciler converged to.
func (s *Server) handleGetRoom(c *gin.Context) {
	subjectID, ok := parseSubjectID(c)
	if !ok {
		return
	}
	room, err := s.rooms.GetCareTeamRoom(c.Request.Context(), subjectID)
	if err != nil {
		s.logger.Error("Room read failed", "subject_id", subjectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat room", "code": "INTERNAL"})
		return
	}
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no care team room for subject", "code": "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (s *Server) handleRequeueTask(c *gin.Context) {
	subjectID, ok := parseSubjectID(c)
	if !ok {
		return
	}
	taskType := c.Param("task_type")
	requeued, err := s.processor.RequeueFailedTask(c.Request.Context(), subjectID, taskType)
	if err != nil {
		s.logger.Error("Task requeue failed", "subject_id", subjectID, "task_type", taskType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task requeue failed", "code": "INTERNAL"})
		return
	}
	if !requeued {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not in failed state", "code": "NOT_REQUEUEABLE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "task_type": taskType, "requeued": true})
}

func (s *Server) handleProcessNext(c *gin.Context) {
	claimed, err := s.processor.ProcessNextGlobalTask(c.Request.Context())
	if err != nil {
		s.logger.Error("Global task processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task processing failed", "code": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}

func (s *Server) handleReconcileRooms(c *gin.Context) {
	report, err := s.reconciler.RunRoomSync(c.Request.Context())
	if err != nil {
		s.logger.Error("Room reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room reconciliation failed", "code": "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleBreakerSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshot()})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	operation := c.Param("operation")
	if !s.breakers.Reset(operation) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation", "code": "NOT_FOUND"})
		return
	}
	s.logger.Info("Breaker reset", "event", "breaker_reset", "operation", operation)
	c.JSON(http.StatusOK, gin.H{"operation": operation, "state": pipeline.BreakerClosed})
}

func parseSubjectID(c *gin.Context) (int64, bool) {
	subjectID, err := strconv.ParseInt(c.Param("subject_id"), 10, 64)
	if err != nil || subjectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subject_id", "code": "BAD_REQUEST"})
		return 0, false
	}
	return subjectID, true
}
