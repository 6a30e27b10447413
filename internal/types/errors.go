package types

import (
	"errors"
	"fmt"
)

// Rejection taxonomy. Every admission gate fails with exactly one of these,
// either directly or wrapped by one of the parameterized types below so that
// callers can match with errors.Is while logs keep the observed values.
var (
	ErrInvalidParameters  = errors.New("invalid order parameters")
	ErrInvalidPriceFeed   = errors.New("invalid price feed")
	ErrPriceFeedStale     = errors.New("price feed stale")
	ErrSequencerDown      = errors.New("sequencer down")
	ErrVolatilityTooLow   = errors.New("volatility below configured minimum")
	ErrVolatilityTooHigh  = errors.New("volatility above configured maximum")
	ErrTooEarlyToExecute  = errors.New("too early to execute")
	ErrTooLateToExecute   = errors.New("order past end time")
	ErrAllChunksExecuted  = errors.New("all chunks executed")
	ErrChunkTooSmall      = errors.New("chunk below minimum size")
	ErrPriceImpactTooHigh = errors.New("price impact above ceiling")
	ErrUnauthorized       = errors.New("taker not authorized")
	ErrPaused             = errors.New("admissions paused")
)

// StalenessError reports oracle data older than the configured bound, or a
// sequencer still inside its post-recovery grace window.
type StalenessError struct {
	Staleness int64
	Max       int64
}

func (e *StalenessError) Error() string {
	return fmt.Sprintf("price feed stale: %ds old, max %ds", e.Staleness, e.Max)
}

func (e *StalenessError) Unwrap() error { return ErrPriceFeedStale }

// VolatilityBandError reports a volatility reading outside the configured
// band, carrying both the observed and the violated bound for diagnostics.
type VolatilityBandError struct {
	CurrentBps uint64
	BoundBps   uint64
	TooHigh    bool
}

func (e *VolatilityBandError) Error() string {
	if e.TooHigh {
		return fmt.Sprintf("volatility %d bps above maximum %d bps", e.CurrentBps, e.BoundBps)
	}
	return fmt.Sprintf("volatility %d bps below minimum %d bps", e.CurrentBps, e.BoundBps)
}

func (e *VolatilityBandError) Unwrap() error {
	if e.TooHigh {
		return ErrVolatilityTooHigh
	}
	return ErrVolatilityTooLow
}

// PriceImpactError reports a proposed fill whose deviation from the order's
// quoted rate exceeds the configured ceiling.
type PriceImpactError struct {
	ImpactBps uint64
	MaxBps    uint64
}

func (e *PriceImpactError) Error() string {
	return fmt.Sprintf("price impact %d bps exceeds ceiling %d bps", e.ImpactBps, e.MaxBps)
}

func (e *PriceImpactError) Unwrap() error { return ErrPriceImpactTooHigh }

// RejectionCode maps a gate failure to the stable machine-readable code the
// API exposes. Unrecognized errors map to the empty string.
func RejectionCode(err error) string {
	switch {
	case errors.Is(err, ErrPaused):
		return "PAUSED"
	case errors.Is(err, ErrInvalidParameters):
		return "INVALID_PARAMETERS"
	case errors.Is(err, ErrInvalidPriceFeed):
		return "INVALID_PRICE_FEED"
	case errors.Is(err, ErrPriceFeedStale):
		return "PRICE_FEED_STALE"
	case errors.Is(err, ErrSequencerDown):
		return "SEQUENCER_DOWN"
	case errors.Is(err, ErrVolatilityTooLow):
		return "VOLATILITY_TOO_LOW"
	case errors.Is(err, ErrVolatilityTooHigh):
		return "VOLATILITY_TOO_HIGH"
	case errors.Is(err, ErrTooEarlyToExecute):
		return "TOO_EARLY_TO_EXECUTE"
	case errors.Is(err, ErrTooLateToExecute):
		return "TOO_LATE_TO_EXECUTE"
	case errors.Is(err, ErrAllChunksExecuted):
		return "ALL_CHUNKS_EXECUTED"
	case errors.Is(err, ErrChunkTooSmall):
		return "CHUNK_TOO_SMALL"
	case errors.Is(err, ErrPriceImpactTooHigh):
		return "PRICE_IMPACT_TOO_HIGH"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	}
	return ""
}

// IsRejection reports whether err belongs to the admission taxonomy, as
// opposed to an infrastructure failure.
func IsRejection(err error) bool {
	return RejectionCode(err) != ""
}
