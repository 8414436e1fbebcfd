package jsonerror

import (
	"errors"
	"fmt"

	"github.com/matrix-org/util"
)

// MatrixError represents the "standard error response" in Matrix.
// http://matrix.org/docs/spec/client_server/r0.2.0.html#api-standards
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Err)
}

// InternalServerError returns a 500 Internal Server Error in a matrix-compliant
// format.
func InternalServerError() util.JSONResponse {
	return util.JSONResponse{
		Code: 500,
		JSON: Unknown("Internal Server Error"),
	}
}

// Unknown is an unexpected error
func Unknown(msg string) *MatrixError {
	return &MatrixError{"M_UNKNOWN", msg}
}

// Forbidden is an error when the client tries to access a resource
// they are not allowed to access.
func Forbidden(msg string) *MatrixError {
	return &MatrixError{"M_FORBIDDEN", msg}
}

// BadJSON is an error when the client supplies malformed JSON.
func BadJSON(msg string) *MatrixError {
	return &MatrixError{"M_BAD_JSON", msg}
}

// NotJSON is an error when the client supplies something that is not JSON
// to a JSON endpoint.
func NotJSON(msg string) *MatrixError {
	return &MatrixError{"M_NOT_JSON", msg}
}

// NotFound is an error when the client tries to access an unknown resource.
func NotFound(msg string) *MatrixError {
	return &MatrixError{"M_NOT_FOUND", msg}
}

// BadDatabase is an error when the server's datastore contradicts an
// invariant it is supposed to uphold. It is never caused by the remote
// party and always indicates local corruption.
func BadDatabase(msg string) *MatrixError {
	return &MatrixError{"M_BAD_DATABASE", msg}
}

// SanitizedMessage is the single point where internal errors become
// peer-visible strings. MatrixErrors carry messages we wrote ourselves
// and pass through; anything else is collapsed to a generic message so
// that database errors and stack context never cross the federation
// boundary. The full error must be logged locally by the caller.
func SanitizedMessage(err error) string {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Error()
	}
	return "M_UNKNOWN: An internal server error occurred."
}
