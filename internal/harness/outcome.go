package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies which variant of Outcome a run produced.
type Kind int

const (
	KindSuccess Kind = iota
	KindInitTimeout
	KindExecTimeout
	KindInitError
	KindExecError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "SUCCESS"
	case KindInitTimeout:
		return "INIT_TIMEOUT"
	case KindExecTimeout:
		return "EXEC_TIMEOUT"
	case KindInitError:
		return "INIT_ERROR"
	case KindExecError:
		return "EXEC_ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the kind by name so JSON output stays readable.
func (k Kind) MarshalText() ([]byte, error) {
	s := k.String()
	if s == "UNKNOWN" {
		return nil, fmt.Errorf("unknown outcome kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a kind name (case-insensitive) back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k := KindSuccess; k <= KindExecError; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown outcome kind %q", s)
}

// IsTimeout reports whether the kind means "no answer yet" rather than a
// definite failure.
func (k Kind) IsTimeout() bool {
	return k == KindInitTimeout || k == KindExecTimeout
}

// Outcome is the tagged result of one bounded run.
// Only the fields belonging to Kind are populated:
//
//	Success               Result, ElapsedInit, ElapsedExec
//	InitTimeout           Limit (the init bound that elapsed)
//	ExecTimeout           Limit (the exec bound that elapsed)
//	InitError, ExecError  Message
type Outcome struct {
	Kind        Kind          `json:"kind"`
	Result      string        `json:"result,omitempty"`
	Message     string        `json:"message,omitempty"`
	ElapsedInit time.Duration `json:"elapsed_init,omitempty"`
	ElapsedExec time.Duration `json:"elapsed_exec,omitempty"`
	Limit       time.Duration `json:"limit,omitempty"`
}

// Success reports whether both phases completed.
func (o Outcome) Success() bool { return o.Kind == KindSuccess }

// Elapsed returns the combined wall time of the phases that completed.
func (o Outcome) Elapsed() time.Duration { return o.ElapsedInit + o.ElapsedExec }

// Err converts a failed outcome into an error; nil for Success.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindSuccess:
		return nil
	case KindInitTimeout:
		return fmt.Errorf("%w: initialization exceeded %s", ErrTimeout, o.Limit)
	case KindExecTimeout:
		return fmt.Errorf("%w: execution exceeded %s", ErrTimeout, o.Limit)
	case KindInitError:
		return fmt.Errorf("initialization: %s", o.Message)
	case KindExecError:
		return fmt.Errorf("execution: %s", o.Message)
	default:
		return fmt.Errorf("unknown outcome kind %d", int(o.Kind))
	}
}

// ErrTimeout is wrapped by Outcome.Err for both timeout kinds.
var ErrTimeout = errors.New("timeout")

func succeeded(result string, initD, execD time.Duration) Outcome {
	return Outcome{Kind: KindSuccess, Result: result, ElapsedInit: initD, ElapsedExec: execD}
}

func initTimedOut(limit time.Duration) Outcome {
	return Outcome{Kind: KindInitTimeout, Limit: limit}
}

func execTimedOut(limit time.Duration) Outcome {
	return Outcome{Kind: KindExecTimeout, Limit: limit}
}

func initFailed(msg string) Outcome {
	if strings.TrimSpace(msg) == "" {
		msg = "initialization failed"
	}
	return Outcome{Kind: KindInitError, Message: msg}
}

func execFailed(msg string) Outcome {
	if strings.TrimSpace(msg) == "" {
		msg = "execution failed"
	}
	return Outcome{Kind: KindExecError, Message: msg}
}
