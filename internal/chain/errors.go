package chain

import "fmt"

// ConstructionError reports a chain that could not be assembled: unreadable
// templates, an unknown provider or a compile failure.
type ConstructionError struct {
	Stage string
	Err   error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("build chain (%s): %v", e.Stage, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// InvocationError reports a failed model call made by a compiled chain.
type InvocationError struct {
	Chain string // "query" or "metadata"
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s chain: %v", e.Chain, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
