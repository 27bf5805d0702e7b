package providers

import "fmt"

// CallError is a structured error returned by a provider backend. It carries
// the upstream HTTP status so the gateway can classify transient vs.
// permanent failures without parsing provider-specific payloads.
type CallError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *CallError) HTTPStatus() int { return e.StatusCode }
