package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/superteam-academy/backend/internal/auth"
	"github.com/superteam-academy/backend/internal/catalog"
	"github.com/superteam-academy/backend/internal/leaderboard"
	"github.com/superteam-academy/backend/internal/ledger"
	"github.com/superteam-academy/backend/internal/ratelimit"
	"github.com/superteam-academy/backend/internal/relay"
	"go.uber.org/zap"
)

const walletContextKey = "academy_wallet"

var (
	errMissingRelayService       = errors.New("relay service dependency required")
	errMissingCatalogService     = errors.New("catalog service dependency required")
	errMissingLeaderboardService = errors.New("leaderboard service dependency required")
	errMissingAuthenticator      = errors.New("authenticator dependency required")
	errInvalidAuthorization      = errors.New("authorization header missing or invalid")
)

// WalletAuthenticator validates a request's bearer token and returns the
// wallet it is bound to.
type WalletAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.WalletClaims, error)
}

type Dependencies struct {
	Relay         *relay.Service
	Catalog       *catalog.Service
	Leaderboard   *leaderboard.Service
	Authenticator WalletAuthenticator
	Limiter       *ratelimit.Limiter
	Dispatcher    *ProgressDispatcher
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Relay == nil {
		return nil, errMissingRelayService
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}
	if deps.Leaderboard == nil {
		return nil, errMissingLeaderboardService
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewProgressDispatcher()
	}

	handler := &httpHandler{
		relay:       deps.Relay,
		catalog:     deps.Catalog,
		leaderboard: deps.Leaderboard,
		auth:        deps.Authenticator,
		limiter:     deps.Limiter,
		dispatcher:  dispatcher,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/courses", handler.handleListCourses)
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/leaderboard/rank/:wallet", handler.handleLeaderboardRank)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/courses/:courseId/enrollment", handler.handleGetEnrollment)
	protected.POST("/courses/:courseId/enroll", handler.handleEnroll)
	protected.POST("/courses/:courseId/lessons/:lessonIndex/complete", handler.rateLimited, handler.handleCompleteLesson)
	protected.POST("/courses/:courseId/finalize", handler.handleFinalize)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	relay       *relay.Service
	catalog     *catalog.Service
	leaderboard *leaderboard.Service
	auth        WalletAuthenticator
	limiter     *ratelimit.Limiter
	dispatcher  *ProgressDispatcher
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type coursePayload struct {
	CourseID    string `json:"course_id"`
	Title       string `json:"title"`
	LessonCount int    `json:"lesson_count"`
	XPPerLesson int64  `json:"xp_per_lesson"`
	Difficulty  int    `json:"difficulty"`
	TrackID     int    `json:"track_id"`
}

func (h *httpHandler) handleListCourses(c *gin.Context) {
	courses, err := h.catalog.ListActive(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list courses", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog_unavailable"})
		return
	}
	payload := make([]coursePayload, 0, len(courses))
	for _, course := range courses {
		payload = append(payload, coursePayload{
			CourseID:    course.CourseID,
			Title:       course.Title,
			LessonCount: course.LessonCount,
			XPPerLesson: course.XPPerLesson,
			Difficulty:  course.Difficulty,
			TrackID:     course.TrackID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"courses": payload})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.leaderboard.GetLeaderboard(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to build leaderboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleLeaderboardRank(c *gin.Context) {
	wallet := strings.TrimSpace(c.Param("wallet"))
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_wallet"})
		return
	}
	entries, err := h.leaderboard.GetLeaderboard(c.Request.Context(), 0)
	if err != nil {
		h.logger.Error("failed to build leaderboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard_unavailable"})
		return
	}
	rank := leaderboard.RankForWallet(entries, wallet)
	c.JSON(http.StatusOK, gin.H{"wallet": wallet, "rank": rank, "ranked": rank > 0})
}

type enrollmentPayload struct {
	CourseID         string `json:"course_id"`
	Learner          string `json:"learner"`
	CompletedLessons []int  `json:"completed_lessons"`
	CompletedCount   int    `json:"completed_count"`
	EnrolledAtS      int64  `json:"enrolled_at_s"`
	CompletedAtS     int64  `json:"completed_at_s,omitempty"`
	CredentialAsset  string `json:"credential_asset,omitempty"`
}

func enrollmentToPayload(enrollment ledger.Enrollment, lessonCount int) enrollmentPayload {
	payload := enrollmentPayload{
		CourseID:         enrollment.CourseID,
		Learner:          enrollment.Learner.String(),
		CompletedLessons: enrollment.LessonFlags.ListCompleted(lessonCount),
		CompletedCount:   enrollment.LessonFlags.CountCompleted(),
		EnrolledAtS:      enrollment.EnrolledAt.Unix(),
		CredentialAsset:  enrollment.CredentialAsset,
	}
	if enrollment.CompletedAt != nil {
		payload.CompletedAtS = enrollment.CompletedAt.Unix()
	}
	return payload
}

func (h *httpHandler) handleGetEnrollment(c *gin.Context) {
	wallet, courseID, ok := h.walletAndCourse(c)
	if !ok {
		return
	}
	course, err := h.catalog.GetCourse(c.Request.Context(), courseID)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	enrollment, err := h.relay.GetEnrollment(c.Request.Context(), wallet, courseID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_enrolled"})
			return
		}
		h.writeRelayError(c, err)
		return
	}
	c.JSON(http.StatusOK, enrollmentToPayload(enrollment, course.LessonCount))
}

func (h *httpHandler) handleEnroll(c *gin.Context) {
	wallet, courseID, ok := h.walletAndCourse(c)
	if !ok {
		return
	}
	result, err := h.relay.Enroll(c.Request.Context(), wallet, courseID)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	course, err := h.catalog.GetCourse(c.Request.Context(), courseID)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyEnrolled {
		status = http.StatusOK
	}
	response := gin.H{
		"already_enrolled": result.AlreadyEnrolled,
		"enrollment":       enrollmentToPayload(result.Enrollment, course.LessonCount),
	}
	if result.Receipt != nil {
		response["signature"] = result.Receipt.Signature
	}
	c.JSON(status, response)
}

type completeLessonRequest struct {
	XPAward int64 `json:"xp_award"`
}

func (h *httpHandler) handleCompleteLesson(c *gin.Context) {
	wallet, courseID, ok := h.walletAndCourse(c)
	if !ok {
		return
	}
	lessonIndex, err := strconv.Atoi(c.Param("lessonIndex"))
	if err != nil || lessonIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lesson_index"})
		return
	}

	var request completeLessonRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	result, err := h.relay.CompleteLesson(c.Request.Context(), wallet, courseID, lessonIndex, request.XPAward)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}

	response := gin.H{
		"already_completed": result.AlreadyCompleted,
		"xp_awarded":        result.XPAwarded,
		"total_xp":          result.TotalXP,
		"level":             result.Level,
		"streak":            result.Streak,
		"finalized":         result.Finalized,
	}
	if result.Receipt != nil {
		response["signature"] = result.Receipt.Signature
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFinalize(c *gin.Context) {
	wallet, courseID, ok := h.walletAndCourse(c)
	if !ok {
		return
	}
	result, err := h.relay.FinalizeCourse(c.Request.Context(), wallet, courseID)
	if err != nil {
		h.writeRelayError(c, err)
		return
	}
	response := gin.H{"already_finalized": result.AlreadyFinalized}
	if result.Enrollment.CompletedAt != nil {
		response["completed_at_s"] = result.Enrollment.CompletedAt.Unix()
	}
	if result.Receipt != nil {
		response["signature"] = result.Receipt.Signature
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	wallet := c.GetString(walletContextKey)
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), wallet)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", eventHeartbeat)
			c.Writer.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.EventType, gin.H{
				"course_id":    event.CourseID,
				"lesson_index": event.LessonIndex,
				"xp_awarded":   event.XPAwarded,
				"timestamp_s":  event.Timestamp.Unix(),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) walletAndCourse(c *gin.Context) (ledger.Wallet, catalog.CourseID, bool) {
	wallet := c.GetString(walletContextKey)
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	courseID, err := catalog.NewCourseID(c.Param("courseId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_course_id"})
		return "", "", false
	}
	return ledger.Wallet(wallet), courseID, true
}

// writeRelayError maps domain and ledger failures onto HTTP statuses. Fatal
// ledger rejections are conflicts, exhausted transient retries read as a bad
// upstream, everything else is a server fault.
func (h *httpHandler) writeRelayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, catalog.ErrCourseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "course_not_found"})
	case errors.Is(err, catalog.ErrCourseInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "course_inactive"})
	case errors.Is(err, relay.ErrLessonOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "lesson_out_of_range"})
	case errors.Is(err, relay.ErrNotEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": "not_enrolled"})
	case errors.Is(err, relay.ErrCourseNotComplete):
		c.JSON(http.StatusConflict, gin.H{"error": "course_not_complete"})
	default:
		switch ledger.Classify(err) {
		case ledger.ClassTransient:
			h.logger.Warn("ledger unavailable", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable"})
		case ledger.ClassFatal:
			h.logger.Warn("ledger rejected instruction", zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": "ledger_rejected"})
		default:
			h.logger.Error("relay call failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "relay_failed"})
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.auth.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingBearerToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(walletContextKey, claims.Wallet())
	c.Next()
}

func (h *httpHandler) rateLimited(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	wallet := c.GetString(walletContextKey)
	allowed, retryAfter := h.limiter.Check(wallet)
	if !allowed {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":         "rate_limited",
			"retry_after_s": retryAfter,
		})
		return
	}
	c.Next()
}
