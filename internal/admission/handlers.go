package admission

import (
	"math/big"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/twap-gate/internal/types"
	"github.com/ksred/twap-gate/pkg/response"
)

// GinHandlers contains the HTTP handlers for the settlement hooks, the
// preview surface, and engine administration.
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

type admissionRequest struct {
	Taker         string `json:"taker" binding:"required"`
	SellingAmount string `json:"selling_amount" binding:"required"`
	BuyingAmount  string `json:"buying_amount"`
	Timestamp     int64  `json:"timestamp"`
}

type completionRequest struct {
	SellingAmount   string `json:"selling_amount" binding:"required"`
	BuyingAmount    string `json:"buying_amount" binding:"required"`
	RemainingAmount string `json:"remaining_amount"`
	Timestamp       int64  `json:"timestamp"`
}

// AdmitHandler is the pre-fill hook: the host settlement protocol calls it
// before transferring funds and aborts the transfer on rejection.
func (h *GinHandlers) AdmitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req admissionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		sold, ok := types.ParseAmount(req.SellingAmount)
		if !ok {
			response.BadRequest(c, "selling_amount must be a non-negative integer")
			return
		}
		bought, ok := types.ParseAmount(req.BuyingAmount)
		if !ok {
			response.BadRequest(c, "buying_amount must be a non-negative integer")
			return
		}
		now := req.Timestamp
		if now == 0 {
			now = time.Now().Unix()
		}

		if err := h.engine.Admit(orderID, req.Taker, sold, bought, now); err != nil {
			if code := types.RejectionCode(err); code != "" {
				response.Rejected(c, code, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.AdmissionResponse{OrderID: orderID, Admitted: true})
	}
}

// CompletionHandler is the post-fill hook, invoked after the host protocol
// has physically settled a chunk.
func (h *GinHandlers) CompletionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req completionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		sold, ok := types.ParseAmount(req.SellingAmount)
		if !ok {
			response.BadRequest(c, "selling_amount must be a non-negative integer")
			return
		}
		bought, ok := types.ParseAmount(req.BuyingAmount)
		if !ok {
			response.BadRequest(c, "buying_amount must be a non-negative integer")
			return
		}
		var remaining *big.Int
		if req.RemainingAmount != "" {
			remaining, ok = types.ParseAmount(req.RemainingAmount)
			if !ok {
				response.BadRequest(c, "remaining_amount must be a non-negative integer")
				return
			}
		}
		now := req.Timestamp
		if now == 0 {
			now = time.Now().Unix()
		}

		completed, err := h.engine.RecordCompletion(orderID, sold, bought, remaining, now)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.CompletionResponse{OrderID: orderID, Completed: completed})
	}
}

// PreviewHandler answers "can this order execute now and why/why not"
// without perturbing any state.
func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		result, err := h.engine.Preview(orderID, time.Now().Unix())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, result)
	}
}

// AuthorizeTakerHandler adds a taker to the allow-list.
func (h *GinHandlers) AuthorizeTakerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		if address == "" {
			response.BadRequest(c, "Taker address is required")
			return
		}
		if err := h.engine.AuthorizeTaker(address); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.TakerResponse{Address: address, Authorized: true})
	}
}

// DeauthorizeTakerHandler removes a taker from the allow-list.
func (h *GinHandlers) DeauthorizeTakerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		if address == "" {
			response.BadRequest(c, "Taker address is required")
			return
		}
		if err := h.engine.DeauthorizeTaker(address); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.TakerResponse{Address: address, Authorized: false})
	}
}

// PauseHandler engages the global circuit breaker.
func (h *GinHandlers) PauseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.engine.Pause(); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.PauseResponse{Paused: true})
	}
}

// ResumeHandler releases the global circuit breaker.
func (h *GinHandlers) ResumeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.engine.Resume(); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, types.PauseResponse{Paused: false})
	}
}
