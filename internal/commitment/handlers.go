package commitment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zkmarket/relayer/internal/fault"
	"github.com/zkmarket/relayer/internal/validation"
)

// Handler provides HTTP endpoints for the commitment lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a commitment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up commitment routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/registerCommitment", h.Register)
	r.POST("/proveCommitment", h.Prove)
	r.POST("/withdraw", h.Withdraw)
	r.GET("/commitments", h.List)
	r.GET("/commitments/:hash", h.Status)
}

// Register handles POST /api/registerCommitment
func (h *Handler) Register(c *gin.Context) {
	const op = fault.OpRegister
	body, ok := bindFields(c, op)
	if !ok {
		return
	}
	amount, okA := jsonString(body["amount"])
	description, okD := jsonString(body["description"])
	if !okA || !okD {
		respondError(c, op, fault.BadRequest(op, "amount and description must be strings"))
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", amount),
		validation.Required("description", description),
		validation.UnsignedAmount("amount", amount),
		validation.ContainsDigits("description", description),
		validation.MaxLength("description", description, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		respondError(c, op, fault.Wrap(fault.KindBadRequest, op, "invalid request", errs))
		return
	}

	ack, err := h.service.RegisterCommitment(c.Request.Context(), amount, description)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// Prove handles POST /api/proveCommitment
func (h *Handler) Prove(c *gin.Context) {
	const op = fault.OpProve
	proof, signals, ok := bindProof(c, op)
	if !ok {
		return
	}
	ack, err := h.service.ProveCommitment(c.Request.Context(), proof, signals)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// Withdraw handles POST /api/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	const op = fault.OpWithdraw
	proof, signals, ok := bindProof(c, op)
	if !ok {
		return
	}
	ack, err := h.service.Withdraw(c.Request.Context(), proof, signals)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// Status handles GET /api/commitments/:hash
func (h *Handler) Status(c *gin.Context) {
	rec, err := h.service.Status(c.Request.Context(), c.Param("hash"))
	if err != nil {
		respondError(c, fault.OpStatus, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "commitment": rec})
}

// List handles GET /api/commitments
func (h *Handler) List(c *gin.Context) {
	state := State(c.Query("state"))
	switch state {
	case "", StateRegistered, StateProven, StateWithdrawn:
	default:
		respondError(c, fault.OpStatus, fault.BadRequest(fault.OpStatus, "unknown state filter"))
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	cs, next, err := h.service.List(c.Request.Context(), state, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, fault.OpStatus, err)
		return
	}
	if cs == nil {
		cs = []*Commitment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"code":        0,
		"commitments": cs,
		"count":       len(cs),
		"nextCursor":  next,
		"hasMore":     next != "",
	})
}

func bindFields(c *gin.Context, op string) (map[string]json.RawMessage, bool) {
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, op, fault.Wrap(fault.KindBadRequest, op, "body must be a JSON object", err))
		return nil, false
	}
	return body, true
}

func bindProof(c *gin.Context, op string) (json.RawMessage, json.RawMessage, bool) {
	body, ok := bindFields(c, op)
	if !ok {
		return nil, nil, false
	}
	proof, signals := body["proofData"], body["publicSignals"]
	if !jsonStructured(proof) || !jsonStructured(signals) {
		respondError(c, op, fault.BadRequest(op, "proofData and publicSignals must be objects or arrays"))
		return nil, nil, false
	}
	return proof, signals, true
}

func jsonString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func jsonStructured(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '{' || raw[0] == '[')
}

func respondError(c *gin.Context, op string, err error) {
	fe := fault.As(op, err)
	body := gin.H{"code": fe.Code(), "error": fe.Error()}
	if fe.TxHash != "" {
		body["txHash"] = fe.TxHash
	}
	if fe.Ref != "" {
		body["commitmentHash"] = fe.Ref
	}
	c.JSON(fault.HTTPStatus(fe.Kind), body)
}
