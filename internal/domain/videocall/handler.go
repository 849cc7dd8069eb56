package videocall

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/videotoken"
	"github.com/ehr/telehealth/pkg/pagination"
)

// conflictRetryAfter is the Retry-After hint, in seconds, sent with a create
// conflict.
const conflictRetryAfter = "1"

// TokenVerifier checks room tokens presented by the video transport.
type TokenVerifier interface {
	Verify(token string) (*videotoken.Claims, error)
}

type Handler struct {
	svc       *Service
	analytics *Analytics
	verifier  TokenVerifier
	logger    zerolog.Logger
}

func NewHandler(svc *Service, analytics *Analytics, verifier TokenVerifier) *Handler {
	return &Handler{svc: svc, analytics: analytics, verifier: verifier, logger: zerolog.Nop()}
}

func (h *Handler) SetLogger(l zerolog.Logger) {
	h.logger = l
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/consultations/:consultation_id/video-session", h.InitializeSession)
	api.GET("/consultations/:consultation_id/video-session", h.GetLiveSession)
	api.GET("/consultations/:consultation_id/video-sessions", h.ListConsultationSessions)

	api.GET("/video-sessions/:id", h.GetSession)
	api.POST("/video-sessions/:id/start", h.StartSession)
	api.POST("/video-sessions/:id/end", h.EndSession)
	api.POST("/video-sessions/:id/token", h.IssueJoinToken)
	api.POST("/video-sessions/:id/events", h.RecordParticipantEvent)
	api.GET("/video-sessions/:id/analytics", h.SessionAnalytics)

	// Called by the video transport's access-control hook, not by patients.
	api.POST("/video-tokens/verify", h.VerifyToken, auth.RequireRole(auth.RoleVideoGateway))
}

func (h *Handler) InitializeSession(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	consultationID, err := consultationParam(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.InitializeSession(c.Request().Context(), consultationID, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetLiveSession(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	consultationID, err := consultationParam(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetLiveSession(c.Request().Context(), consultationID, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListConsultationSessions(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	consultationID, err := consultationParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConsultationSessions(c.Request().Context(), consultationID, caller, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSession(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) StartSession(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.StartSession(c.Request().Context(), id, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) EndSession(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	var opts EndOptions
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&opts); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	sess, err := h.svc.EndSession(c.Request().Context(), id, caller, opts)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) IssueJoinToken(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	tok, err := h.svc.IssueJoinToken(c.Request().Context(), id, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusCreated, tok)
}

type participantEventRequest struct {
	EventType ParticipantEventType `json:"event_type"`
	Metadata  Metadata             `json:"metadata"`
}

func (h *Handler) RecordParticipantEvent(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	var req participantEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	evt, err := h.svc.RecordParticipantEvent(c.Request().Context(), id, caller, req.EventType, req.Metadata)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, evt)
}

func (h *Handler) SessionAnalytics(c echo.Context) error {
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	out, err := h.analytics.SessionAnalytics(c.Request().Context(), id, caller)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyToken(c echo.Context) error {
	var req verifyTokenRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	claims, err := h.verifier.Verify(req.Token)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, claims)
}

// httpError maps domain errors to responses. "No active call" (404) and "not
// a party" (403) stay distinct.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrAuthorization):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for this video session")
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no active video session")
	case errors.Is(err, ErrConsultationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consultation not found")
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConflict):
		c.Response().Header().Set("Retry-After", conflictRetryAfter)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "video session is being created, retry shortly")
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, videotoken.ErrAuthentication):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid room token")
	}
	h.logger.Error().Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Msg("video session request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func callerID(c echo.Context) (int64, error) {
	id, ok := auth.CallerFromContext(c.Request().Context())
	if !ok {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "caller identity is required")
	}
	return id, nil
}

func consultationParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("consultation_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid consultation_id")
	}
	return id, nil
}

func sessionParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
