package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/apperr"
	"github.com/vibe80/vibe80/internal/common/logger"
)

// errorBody is the wire envelope for every failed request.
type errorBody struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

// respondError maps a service error to its status code and envelope. The
// cause chain never crosses the wire; internal failures are logged instead.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	errType := apperr.TypeOf(err)
	status := apperr.HTTPStatus(errType)

	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err))
	}
	c.JSON(status, errorBody{Error: msg, ErrorType: errType})
}

// bindJSON decodes the request body and reports malformed payloads as
// VALIDATION. Returns false after writing the response.
func bindJSON(c *gin.Context, log *logger.Logger, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, log, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

type successResponse struct {
	Success bool `json:"success"`
}

func respondSuccess(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse{Success: true})
}
