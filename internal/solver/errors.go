package solver

import "fmt"

// InvalidInputError reports structurally malformed or out-of-range input.
// It is raised before any search is attempted.
type InvalidInputError struct {
	Detail string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Detail }

func invalidf(format string, args ...any) error {
	return &InvalidInputError{Detail: fmt.Sprintf(format, args...)}
}

// InfeasibleError reports well-formed input for which no assignment
// satisfies every constraint. A business outcome, not a system fault.
type InfeasibleError struct {
	Detail string
}

func (e *InfeasibleError) Error() string { return "infeasible: " + e.Detail }
