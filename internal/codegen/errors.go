package codegen

import "fmt"

// MalformedResponseError reports model output that does not contain exactly
// one usable code block. Blocks is the number of complete fences found.
type MalformedResponseError struct {
	Reason string
	Blocks int
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %s", e.Reason)
}
