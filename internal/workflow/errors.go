package workflow

import "errors"

// Errors fall in three classes. Validation-class errors
// (ErrTransitionDoesNotExist, ErrInvalidTransition, ErrTaskAlreadyProcessed)
// are surfaced to end users as rejected requests. Configuration-class errors
// (ErrInvalidDefinition, ErrTransitionAmbiguous, ErrCircularWorkflow) indicate
// an authoring bug and fail loudly. ErrTransitionUnavailable is an expected
// terminal condition, not a failure, for the advance loop.
var (
	ErrWorkflowNotRegistered  = errors.New("workflow not registered")
	ErrInvalidDefinition      = errors.New("invalid workflow definition")
	ErrTransitionUnavailable  = errors.New("no transition available from current state")
	ErrTransitionAmbiguous    = errors.New("multiple non-manual transitions available from current state")
	ErrCircularWorkflow       = errors.New("circular workflow detected")
	ErrTransitionDoesNotExist = errors.New("transition does not exist")
	ErrInvalidTransition      = errors.New("transition cannot fire from current state")
	ErrTaskAlreadyProcessed   = errors.New("task was already processed")
)

// IsValidationError reports whether err should be presented as a rejected
// request rather than a server failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrTransitionDoesNotExist) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTransitionUnavailable) ||
		errors.Is(err, ErrTaskAlreadyProcessed)
}

// IsDefinitionError reports whether err indicates a workflow authoring or
// deployment bug that should be logged and alerted on.
func IsDefinitionError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrTransitionAmbiguous) ||
		errors.Is(err, ErrCircularWorkflow)
}
