// Package response 统一 HTTP 响应格式
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/xerrors"
)

// Body 响应体
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Success 返回 200
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: "OK", Data: data})
}

// Created 返回 201
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Body{Code: "OK", Data: data})
}

// Error 按错误类别返回对应状态码
func Error(c *gin.Context, err error) {
	kind := xerrors.KindOf(err)
	status := StatusOf(kind)
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, Body{Code: string(kind), Message: xerrors.MessageOf(err)})
}

// BadRequest 请求体解析失败
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Body{Code: string(xerrors.Validation), Message: message})
}

// StatusOf 错误类别到 HTTP 状态码
func StatusOf(kind xerrors.Kind) int {
	switch kind {
	case xerrors.Validation:
		return http.StatusBadRequest
	case xerrors.NotFound:
		return http.StatusNotFound
	case xerrors.InvalidTransition, xerrors.InvalidOperation, xerrors.InsufficientStock:
		return http.StatusConflict
	case xerrors.BrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
