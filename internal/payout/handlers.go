package payout

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zkmarket/relayer/internal/fault"
)

// TokenSource hands out the gateway bearer token for GET /auth.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	engine *Engine
	tokens TokenSource
}

// NewHandler creates a payout handler.
func NewHandler(engine *Engine, tokens TokenSource) *Handler {
	return &Handler{engine: engine, tokens: tokens}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/payouts", h.Reconcile)
	r.GET("/payouts/history", h.History)
	r.GET("/auth", h.Auth)
}

// Reconcile handles GET /payouts
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, fault.OpPayouts, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// History handles GET /payouts/history
func (h *Handler) History(c *gin.Context) {
	limit := parseLimit(c, 20, 200)
	ds, err := h.engine.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, fault.OpPayouts, err)
		return
	}
	cp, err := h.engine.Checkpoint(c.Request.Context())
	if err != nil {
		respondError(c, fault.OpPayouts, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "checkpoint": cp, "dispatches": ds, "count": len(ds)})
}

// Auth handles GET /auth
func (h *Handler) Auth(c *gin.Context) {
	token, err := h.tokens.GetToken(c.Request.Context())
	if err != nil {
		respondError(c, fault.OpAuth, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "accessToken": token})
}

func respondError(c *gin.Context, op string, err error) {
	fe := fault.As(op, err)
	body := gin.H{"code": fe.Code(), "error": fe.Error()}
	if fe.Ref != "" {
		body["dispatchId"] = fe.Ref
	}
	c.JSON(fault.HTTPStatus(fe.Kind), body)
}

func parseLimit(c *gin.Context, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	return limit
}
