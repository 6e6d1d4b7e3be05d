package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrFormatInvalid marks a message whose body cannot be mapped to a
	// registered handler.
	ErrFormatInvalid = errors.New("job format invalid")

	// ErrRetryRequested is returned (possibly wrapped) by a handler that
	// wants the attempt retried without it being reported as an error.
	ErrRetryRequested = errors.New("job retry requested")

	// ErrAlreadyResolved is returned when a second terminal action is taken
	// on the same Job.
	ErrAlreadyResolved = errors.New("job already resolved")
)

// RetryLater returns an error asking the worker to retry the job quietly.
func RetryLater(reason string) error {
	return fmt.Errorf("%w: %s", ErrRetryRequested, reason)
}

// Payload is the body stored on the broker for every job
type Payload struct {
	Class string `json:"class"`
	Args  []any  `json:"args"`
}

// Outcome is the result of one Process call
type Outcome int

const (
	// Success means the handler finished and the message was deleted.
	Success Outcome = iota
	// RetryRequested means the handler asked for a quiet retry.
	RetryRequested
	// Failure means the handler (or the delete after it) failed.
	Failure
	// Skipped means a before-perform hook declined the job; the message is
	// left reserved until its TTR lapses.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryRequested:
		return "retry_requested"
	case Failure:
		return "failure"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by Job.Process
type Result struct {
	Outcome Outcome
	Err     error
}

// Serializer encodes and decodes job payloads
type Serializer interface {
	Marshal(p Payload) ([]byte, error)
	Unmarshal(data []byte) (Payload, error)
}

// JSONSerializer stores payloads as {"class": ..., "args": [...]}.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(p Payload) ([]byte, error) {
	if p.Args == nil {
		p.Args = []any{}
	}
	return json.Marshal(p)
}

func (JSONSerializer) Unmarshal(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
