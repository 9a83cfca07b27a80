package pipeline

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindRepo      Kind = "repo"
	KindInstaller Kind = "installer"
	KindDiff      Kind = "diff"
	KindTimeout   Kind = "timeout"
	KindCanceled  Kind = "canceled"
	KindInternal  Kind = "internal"
)

// StepError is what every failing step of a build returns.
type StepError struct {
	Kind Kind
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// stepErr classifies err for step. Context errors win over kind so a killed
// clone reads as a timeout and not as a repository failure.
func stepErr(ctx context.Context, kind Kind, step string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		kind = KindCanceled
	}
	return &StepError{Kind: kind, Step: step, Err: err}
}

// Reason renders err as the single line stored on a failed job.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Error()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s: %v", KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("%s: %v", KindCanceled, err)
	}
	return fmt.Sprintf("%s: %v", KindInternal, err)
}

// KindOf returns the kind of err, KindInternal when it is not a StepError.
func KindOf(err error) Kind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
