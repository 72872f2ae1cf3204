package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error is a failed request as seen by either side of the API. Code is the
// HTTP status.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// IsNotFound reports whether err is an *Error with status 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == http.StatusNotFound
}

func badRequest(format string, args ...any) *Error {
	return &Error{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// abort writes err as the JSON error body. Errors other than *Error are
// reported as 500 without their message.
func (s *Server) abort(c *gin.Context, err error) {
	var e *Error
	if !errors.As(err, &e) {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		e = &Error{Code: http.StatusInternalServerError, Message: "internal error"}
	}
	c.AbortWithStatusJSON(e.Code, e)
}
