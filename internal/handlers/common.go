package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"admitflow/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return PaginatedResponse{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    int((total + int64(pageSize) - 1) / int64(pageSize)),
	}
}

// writeError maps engine and store errors to HTTP statuses.
func writeError(c *gin.Context, logger *logrus.Logger, err error) {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Message: verr.Error(), Details: verr.Errors})
	case errors.Is(err, workflow.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	case errors.Is(err, workflow.ErrConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Conflict", Message: err.Error()})
	default:
		logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Message: err.Error()})
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Message: err.Error()})
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		badRequest(c, "Invalid "+name, err)
		return 0, false
	}
	return uint(id), true
}

func uintQuery(c *gin.Context, name string) (uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return uint(v), nil
}

func intQuery(c *gin.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.Query(name)); err == nil {
		return v
	}
	return def
}

// timeQuery accepts RFC3339 or a plain date (2006-01-02).
func timeQuery(c *gin.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
