package types

import "github.com/shopspring/decimal"

// AdmissionResponse is returned by the pre-fill hook on success.
type AdmissionResponse struct {
	OrderID  string `json:"order_id"`
	Admitted bool   `json:"admitted"`
}

// CompletionResponse is returned by the post-fill hook.
type CompletionResponse struct {
	OrderID   string `json:"order_id"`
	Completed bool   `json:"completed"`
}

// OrderResponse pairs an order's immutable parameters with its mutable
// execution state.
type OrderResponse struct {
	Parameters     *OrderParameters `json:"parameters"`
	ExecutionState *ExecutionState  `json:"execution_state"`
}

// VolatilityResponse reports the cached annualized volatility, both as raw
// basis points and as a percentage for display.
type VolatilityResponse struct {
	OrderID       string `json:"order_id"`
	VolatilityBps uint64 `json:"volatility_bps"`
	VolatilityPct string `json:"volatility_pct"`
}

func NewVolatilityResponse(orderID string, bps uint64) VolatilityResponse {
	return VolatilityResponse{
		OrderID:       orderID,
		VolatilityBps: bps,
		VolatilityPct: decimal.New(int64(bps), -2).String(),
	}
}

// TakerResponse acknowledges an allow-list change.
type TakerResponse struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

// PauseResponse acknowledges a circuit-breaker change.
type PauseResponse struct {
	Paused bool `json:"paused"`
}
