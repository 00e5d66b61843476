package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/compiler"
	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// respondError maps kernel errors onto HTTP statuses. Compilation and
// validation problems are the client's fault; supervisor state conflicts
// are 409s.
func respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError

	var (
		verr *workflow.ValidationError
		cerr compiler.CompilationError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &cerr):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrWorkflowNotFound), errors.Is(err, king.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, king.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrCredentialNotFound), errors.Is(err, king.ErrInvalidResponse):
		status = http.StatusBadRequest
	case errors.Is(err, king.ErrAlreadyTerminal),
		errors.Is(err, king.ErrInvalidState),
		errors.Is(err, king.ErrAlreadyPending),
		errors.Is(err, king.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, king.ErrTooManyExecutions):
		status = http.StatusTooManyRequests
	case errors.Is(err, king.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]interface{}{"error": err.Error()})
}
