package king

import "errors"

var (
	// ErrNotFound means no execution matched the id for the caller
	ErrNotFound = errors.New("execution not found")
	// ErrNotAuthorized means the execution exists but belongs to
	// someone else and the caller is not privileged.
	ErrNotAuthorized = errors.New("not authorized for this execution")
	// ErrAlreadyTerminal rejects control operations on finished executions
	ErrAlreadyTerminal = errors.New("execution already terminal")
	// ErrInvalidState rejects a control operation the current state
	// does not allow.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrAlreadyPending means the execution already has an unresolved
	// human request; one request may be outstanding at a time.
	ErrAlreadyPending = errors.New("human request already pending")
	// ErrNotPending means no matching human request is waiting
	ErrNotPending = errors.New("no pending human request")
	// ErrInvalidResponse means the human response is not among the
	// request's allowed options.
	ErrInvalidResponse = errors.New("response not among allowed options")
	// ErrNestingDepthExceeded rejects a subworkflow beyond the depth cap
	ErrNestingDepthExceeded = errors.New("subworkflow nesting depth exceeded")
	// ErrSubworkflowCycle rejects a subworkflow already on the parent chain
	ErrSubworkflowCycle = errors.New("subworkflow cycle detected")
	// ErrTooManyExecutions rejects starts over the concurrency cap
	ErrTooManyExecutions = errors.New("too many concurrent executions")
	// ErrShuttingDown rejects starts during shutdown
	ErrShuttingDown = errors.New("kernel is shutting down")
)
