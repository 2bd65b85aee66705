package sandwich

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the taxonomy every rejected candidate is attributed to.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInputMalformed
	KindUnprofitable
	KindRiskRejected
	KindSimulationReverted
	KindInfrastructureTransient
	KindCircuitBreakerTripped
	KindStale
	KindRelayRejected
)

func (k Kind) String() string {
	switch k {
	case KindInputMalformed:
		return "input_malformed"
	case KindUnprofitable:
		return "unprofitable"
	case KindRiskRejected:
		return "risk_rejected"
	case KindSimulationReverted:
		return "simulation_reverted"
	case KindInfrastructureTransient:
		return "infrastructure_transient"
	case KindCircuitBreakerTripped:
		return "circuit_breaker_tripped"
	case KindStale:
		return "stale"
	case KindRelayRejected:
		return "relay_rejected"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may be attempted again with the same inputs.
func (k Kind) Retryable() bool {
	return k == KindInfrastructureTransient
}

var (
	ErrInputMalformed          = errors.New("input malformed")
	ErrUnprofitable            = errors.New("unprofitable")
	ErrRiskRejected            = errors.New("risk rejected")
	ErrSimulationReverted      = errors.New("simulation reverted")
	ErrInfrastructureTransient = errors.New("infrastructure transient error")
	ErrCircuitBreakerTripped   = errors.New("circuit breaker tripped")
	ErrStale                   = errors.New("opportunity is stale")
	ErrRelayRejected           = errors.New("relay rejected bundle")
)

// Component level errors, each one maps into exactly one Kind.
var (
	ErrCalldataTooShort       = fmt.Errorf("%w: calldata shorter than input slot", ErrInputMalformed)
	ErrInvalidVictimSignature = fmt.Errorf("%w: cannot recover victim sender", ErrInputMalformed)
	ErrArithmeticOverflow     = fmt.Errorf("%w: arithmetic overflow", ErrUnprofitable)
	ErrBelowMinProfit         = fmt.Errorf("%w: net profit below minimum", ErrUnprofitable)
	ErrZeroAmount             = fmt.Errorf("%w: zero sized opportunity", ErrUnprofitable)
	ErrPositionSizeExceeded   = fmt.Errorf("%w: position size exceeded", ErrRiskRejected)
	ErrDailyLossExceeded      = fmt.Errorf("%w: daily loss limit exceeded", ErrRiskRejected)
	ErrGasCeilingExceeded     = fmt.Errorf("%w: gas ceiling exceeded", ErrSimulationReverted)
	ErrPoolNotFound           = fmt.Errorf("%w: pool state not found", ErrStale)
	ErrPoolSnapshotTooOld     = fmt.Errorf("%w: pool snapshot too old", ErrStale)
	ErrPoolSuperseded         = fmt.Errorf("%w: pool snapshot superseded by a newer block", ErrStale)
	ErrVictimResolved         = fmt.Errorf("%w: victim transaction mined or dropped", ErrStale)
	ErrStageTimeout           = fmt.Errorf("%w: stage deadline exceeded", ErrStale)
	ErrNoRelayAccepted        = fmt.Errorf("%w: no relay accepted the bundle", ErrRelayRejected)
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	// order matters: the breaker and staleness win over anything wrapped together with them
	{KindCircuitBreakerTripped, ErrCircuitBreakerTripped},
	{KindStale, ErrStale},
	{KindInputMalformed, ErrInputMalformed},
	{KindUnprofitable, ErrUnprofitable},
	{KindRiskRejected, ErrRiskRejected},
	{KindSimulationReverted, ErrSimulationReverted},
	{KindRelayRejected, ErrRelayRejected},
	{KindInfrastructureTransient, ErrInfrastructureTransient},
}

// KindOf maps any error to exactly one Kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var r *Rejection
	if errors.As(err, &r) {
		return r.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStale
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInfrastructureTransient
}

// Rejection is returned by the pipeline for every candidate that did not reach submission,
// or whose submission was refused.
type Rejection struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s at %s: %v", r.Kind, r.Stage, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(stage Stage, err error) *Rejection {
	return &Rejection{Kind: KindOf(err), Stage: stage, Err: err}
}

// transient tags err as retryable infrastructure failure.
func transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(err, ErrInfrastructureTransient)
}
