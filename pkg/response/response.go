// Package response 统一的 JSON 响应格式
package response

import (
	"net/http"

	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Body 响应体，code 为 0 表示成功
type Body struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Msg: "ok", Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Code: 0, Msg: "created", Data: data})
}

// Fail 按错误码映射 HTTP 状态；未分类错误只记录日志，不向调用方暴露细节
func Fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	code := errors.GetCode(err)
	msg := err.Error()
	if code == 0 {
		code = http.StatusInternalServerError
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, Body{Code: code, Msg: msg})
}

// FailWithData 错误同时返回数据，例如警报已持久化但无人可通知
func FailWithData(c *gin.Context, err error, data interface{}) {
	c.AbortWithStatusJSON(errors.HTTPStatus(err), Body{Code: errors.GetCode(err), Msg: err.Error(), Data: data})
}
