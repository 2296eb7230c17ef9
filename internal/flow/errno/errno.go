// Package errno 单据引擎的错误定义
package errno

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pingcap/errors"
)

var (
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrTodoNotFound         = errors.New("todo not found")
	ErrTodoAlreadyProcessed = errors.New("todo already processed")
	ErrTodoNoPermission     = errors.New("operator is not allowed to process this todo")
	ErrTicketTerminal       = errors.New("ticket is already finished")
	ErrRetryNotAllowed      = errors.New("retry is not allowed in current status")
	ErrUnknownTicketType    = errors.New("unknown ticket type")
	ErrUnknownFlowType      = errors.New("unknown flow type")
	ErrAutoExclusive        = errors.New("blocked by exclusive operation on cluster")
	ErrResourceShortage     = errors.New("resource pool shortage")
	ErrIrreversible         = errors.New("flow is irreversible")
	ErrInvalidAction        = errors.New("invalid todo action")
	ErrPipelineNotFound     = errors.New("pipeline not found")
)

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 单据参数校验失败，携带出错字段路径
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "invalid ticket details: " + strings.Join(parts, "; ")
}

// Add 追加字段错误
func (e *ValidationError) Add(field, format string, args ...interface{}) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil 没有字段错误时返回 nil
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError 构造单字段校验错误
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	e := &ValidationError{}
	e.Add(field, format, args...)
	return e
}

// WithFieldPrefix 给校验错误的字段路径加前缀，例如 tickets[1].details.cluster_id
// 非校验错误原样返回
func WithFieldPrefix(prefix string, err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, len(ve.Fields))}
	for i, f := range ve.Fields {
		out.Fields[i] = FieldError{Field: prefix + f.Field, Message: f.Message}
	}
	return out
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FromValidator 将 validator 的错误转换为 ValidationError
// 字段路径以 prefix 开头，去掉顶层结构体名，例如 details.infos[0].cluster_id
func FromValidator(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	ve := &ValidationError{}
	for _, fe := range verrs {
		path := fe.Namespace()
		if idx := strings.Index(path, "."); idx >= 0 {
			path = path[idx+1:]
		} else {
			path = fe.Field()
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		ve.Add(path, "failed on '%s' rule%s", fe.Tag(), paramSuffix(fe.Param()))
	}
	return ve
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return " (" + param + ")"
}

// Is 判断错误链中是否包含 target，兼容引擎内部 errors.Annotate 包装的错误
func Is(err, target error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, target) || errors.Is(pkgerrors.Cause(err), target)
}
