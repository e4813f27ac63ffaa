package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
)

// 统一响应辅助, 所有 handler 共用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}

// failure 按错误类型映射 HTTP 状态码。
func failure(c *gin.Context, err error) {
	var (
		ub *pkgerr.UnknownBranchError
		te *pkgerr.TransportError
		rf *pkgerr.ResumeFailedError
	)
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.As(err, &ub):
		status, code = http.StatusBadRequest, "unknown_branch"
	case errors.As(err, &rf):
		status, code = http.StatusBadGateway, "resume_failed"
	case errors.As(err, &te):
		status, code = http.StatusBadGateway, "transport_error"
	case errors.Is(err, pkgerr.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, pkgerr.ErrUnknownCheckpoint):
		status, code = http.StatusBadRequest, "unknown_checkpoint"
	case errors.Is(err, pkgerr.ErrDecisionMismatch):
		status, code = http.StatusBadRequest, "decision_mismatch"
	case errors.Is(err, pkgerr.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, pkgerr.ErrRunActive):
		status, code = http.StatusConflict, "run_active"
	case errors.Is(err, pkgerr.ErrInterruptPending):
		status, code = http.StatusConflict, "interrupt_pending"
	case errors.Is(err, pkgerr.ErrNoInterrupt):
		status, code = http.StatusConflict, "no_interrupt"
	case errors.Is(err, pkgerr.ErrResumeAttempted):
		status, code = http.StatusConflict, "resume_attempted"
	default:
		serverError(c, err)
		return
	}
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": err.Error()}})
}
