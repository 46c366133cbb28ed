// Package errs defines the failure kinds surfaced by a deployment run.
//
// Every fatal error returned by the engine matches exactly one kind with
// errors.Is, so callers can decide whether a re-run is safe without parsing
// messages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks a required address or parameter that is missing
	// or unresolvable before the step that needs it.
	ErrConfiguration = errors.New("lendctl: configuration error")
	// ErrChainRejection marks a transaction that reverted or did not confirm
	// in time.
	ErrChainRejection = errors.New("lendctl: chain rejection")
	// ErrPrecondition marks a step attempted before its prerequisites hold,
	// such as activating a market with a zero price.
	ErrPrecondition = errors.New("lendctl: precondition violation")
	// ErrDiffMismatch marks a confirmed write whose read-back value still
	// disagrees with the desired value.
	ErrDiffMismatch = errors.New("lendctl: diff mismatch after write")
	// ErrNotProvisioned is returned in dry-run mode for slots that would be
	// deployed by a real run.
	ErrNotProvisioned = errors.New("lendctl: not provisioned")
)

// StepError attaches the identity of the failing step to an error kind.
type StepError struct {
	Kind    error
	Step    string
	Subject string
	Err     error
}

func (e *StepError) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Step != "" {
		b.WriteString(": ")
		b.WriteString(e.Step)
	}
	if e.Subject != "" {
		b.WriteString(" ")
		b.WriteString(e.Subject)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StepError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap returns err as a StepError of the given kind. A nil err yields nil.
// Errors that already carry the kind are annotated without double wrapping.
func Wrap(kind error, step, subject string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StepError
	if errors.As(err, &existing) && errors.Is(err, kind) {
		if existing.Step == "" {
			existing.Step = step
		}
		if existing.Subject == "" {
			existing.Subject = subject
		}
		return err
	}
	return &StepError{Kind: kind, Step: step, Subject: subject, Err: err}
}

// Configuration builds an ErrConfiguration step error.
func Configuration(step, subject, format string, args ...any) error {
	return &StepError{Kind: ErrConfiguration, Step: step, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// Precondition builds an ErrPrecondition step error.
func Precondition(step, subject, format string, args ...any) error {
	return &StepError{Kind: ErrPrecondition, Step: step, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// Rejection builds an ErrChainRejection step error.
func Rejection(step, subject string, err error) error {
	return Wrap(ErrChainRejection, step, subject, err)
}

// Kind reports which failure kind err belongs to, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrChainRejection):
		return "chain_rejection"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrDiffMismatch):
		return "diff_mismatch"
	case errors.Is(err, ErrNotProvisioned):
		return "not_provisioned"
	default:
		return "unknown"
	}
}
