package ticket

import (
	"errors"
	"net/http"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/gin-gonic/gin"
)

// statusOf 引擎错误到 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errno.IsValidation(err):
		return http.StatusBadRequest
	case errno.Is(err, errno.ErrUnknownTicketType), errno.Is(err, errno.ErrInvalidAction):
		return http.StatusBadRequest
	case errno.Is(err, errno.ErrTodoNoPermission):
		return http.StatusForbidden
	case errno.Is(err, errno.ErrTicketNotFound), errno.Is(err, errno.ErrFlowNotFound), errno.Is(err, errno.ErrTodoNotFound):
		return http.StatusNotFound
	case errno.Is(err, errno.ErrTodoAlreadyProcessed), errno.Is(err, errno.ErrTicketTerminal),
		errno.Is(err, errno.ErrRetryNotAllowed), errno.Is(err, errno.ErrIrreversible):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError 校验失败时在 data.fields 中返回出错字段
func respondError(c *gin.Context, err error) {
	code := statusOf(err)
	var ve *errno.ValidationError
	if errors.As(err, &ve) {
		model.HandleErrorWithData(c, code, err, gin.H{"fields": ve.Fields})
		return
	}
	model.HandleError(c, code, err)
}
