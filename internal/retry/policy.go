package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultBase        = 30 * time.Second
	DefaultCap         = time.Hour
	DefaultMaxAttempts = 5
)

// Policy is exponential backoff: Base * 2^(attempt-1), capped at Cap. An
// entry gets at most MaxAttempts failed dispatch attempts.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.Base <= 0 {
		out.Base = DefaultBase
	}
	if out.Cap <= 0 {
		out.Cap = DefaultCap
	}
	if out.Cap < out.Base {
		out.Cap = out.Base
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// ShouldRetry decides what happens after failed attempt number attempt.
// Terminal failures never retry; retryable ones retry until MaxAttempts.
func (p Policy) ShouldRetry(attempt int, cause error) Decision {
	p = p.withDefaults()
	if Classify(cause) == ClassTerminal {
		return Decision{Reason: fmt.Sprintf("terminal failure: %v", cause)}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Reason: fmt.Sprintf("gave up after %d attempts: %v", attempt, cause)}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt), Reason: fmt.Sprintf("%v", cause)}
}

type Class int

const (
	ClassRetryable Class = iota
	ClassTerminal
)

// Classifier lets errors declare their failure kind.
type Classifier interface {
	ErrorKind() string
}

// Error kinds understood by Classify.
const (
	KindTimeout       = "timeout"
	KindProviderError = "provider_error"
	KindCapacity      = "capacity"
	KindTerminal      = "terminal"
	KindValidation    = "validation"
)

// Classify maps an error to retryable or terminal. Unknown errors are
// retryable so a transient fault never fails an entry outright.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	var c Classifier
	if errors.As(err, &c) {
		switch c.ErrorKind() {
		case KindTerminal, KindValidation:
			return ClassTerminal
		}
	}
	return ClassRetryable
}
