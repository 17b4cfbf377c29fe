package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sam3web/task"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeRemoteError      = "REMOTE_ERROR"
	CodeQueueFull        = "QUEUE_FULL"
	CodeConflict         = "CONFLICT"
	CodeExtractionFailed = "EXTRACTION_FAILED"
	CodeServiceError     = "SERVICE_ERROR"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

// respondTaskError maps the task error taxonomy onto HTTP statuses.
func respondTaskError(c *gin.Context, err error) {
	var verr *task.ValidationError
	var rl *task.RateLimitedError
	var remote *task.RemoteSubmissionError

	switch {
	case errors.As(err, &verr):
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error())
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
		respondError(c, http.StatusTooManyRequests, CodeRateLimited, "Too many requests to the segmentation service, please retry later")
	case errors.As(err, &remote):
		respondError(c, http.StatusBadGateway, CodeRemoteError, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, CodeServiceError, fmt.Sprintf("Internal error: %v", err))
	}
}
