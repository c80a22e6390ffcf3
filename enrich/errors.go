package enrich

import (
	"errors"
	"fmt"
)

var (
	// ErrEnrichmentTimeout is returned when a collaborator exceeds its budget.
	ErrEnrichmentTimeout = errors.New("enrich: enrichment timeout")
	// ErrEnrichmentUnavailable covers every other reason a collaborator
	// could not answer: breaker open, rate limited, remote failure.
	ErrEnrichmentUnavailable = errors.New("enrich: enrichment unavailable")
)

// ErrCircuitOpen is returned when the breaker of a service rejects the call
// without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("enrich: circuit open: %s", e.Service)
}

func (e *ErrCircuitOpen) Is(target error) bool { return target == ErrEnrichmentUnavailable }

// ErrRateLimited is returned when the service's call budget is exhausted.
type ErrRateLimited struct {
	Service string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("enrich: rate limited: %s", e.Service)
}

func (e *ErrRateLimited) Is(target error) bool { return target == ErrEnrichmentUnavailable }

// CallError wraps a collaborator failure with the service name.
type CallError struct {
	Service string
	Cause   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("enrich: %s: %v", e.Service, e.Cause)
}

func (e *CallError) Unwrap() []error { return []error{ErrEnrichmentUnavailable, e.Cause} }
