package response

import (
	"errors"
	"log"
	"net/http"

	"coinledger/internal/ledger"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码，客户端根据错误码展示不同的提示
const (
	CodeFailedPrecondition = 1001 // 余额不足、不满足推荐条件
	CodeAlreadyExists      = 1002 // 推荐码已使用
)

// 内部错误不把细节暴露给客户端
const serverBusyMessage = "系统繁忙，请稍后重试"

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

// Unauthorized 未登录直接中断请求，HTTP 状态码也是 401
func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

// ErrorFrom 按账本错误分类返回
func ErrorFrom(c *gin.Context, err error) {
	code := ledger.CodeOf(err)
	if code == ledger.CodeInternal {
		log.Printf("[HTTP] 内部错误: %s %s, err=%v", c.Request.Method, c.FullPath(), err)
		ServerError(c, serverBusyMessage)
		return
	}

	message := err.Error()
	var le *ledger.Error
	if errors.As(err, &le) {
		message = le.Message
	}

	switch code {
	case ledger.CodeUnauthenticated:
		Unauthorized(c, message)
	case ledger.CodePermissionDenied:
		Error(c, CodeForbidden, message)
	case ledger.CodeNotFound:
		Error(c, CodeNotFound, message)
	case ledger.CodeInvalidArgument:
		Error(c, CodeParamError, message)
	case ledger.CodeFailedPrecondition:
		Error(c, CodeFailedPrecondition, message)
	case ledger.CodeAlreadyExists:
		Error(c, CodeAlreadyExists, message)
	default:
		ServerError(c, serverBusyMessage)
	}
}
