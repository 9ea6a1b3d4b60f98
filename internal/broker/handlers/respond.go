package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/dto"
	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
)

// respondError maps an application error to its HTTP status and the logical
// error envelope.
func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), dto.ErrorResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: apperrors.GetErrorKind(err),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		respondError(c, apperrors.BadRequest(name+" must be a decimal integer"))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryTime parses an optional RFC3339 query parameter. A malformed value
// responds 400 and returns false.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(c, apperrors.BadRequest(name+" must be an RFC3339 timestamp"))
		return nil, false
	}
	return &t, true
}

func queryInt64Ptr(c *gin.Context, name string) *int64 {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
