package handlers

import (
	"CrisisBridge/internal/models"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// 同时兼容 JSON 与表单回调
type smsReplyReq struct {
	From      string `json:"from" form:"From" binding:"required"`
	Body      string `json:"body" form:"Body"`
	MessageID string `json:"messageId" form:"MessageSid"`
}

func (h *Handlers) handleSMSReply(c *gin.Context) {
	var req smsReplyReq
	if err := c.ShouldBind(&req); err != nil {
		response.Fail(c, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid request"))
		return
	}
	out, err := h.engine.HandleInboundReply(c.Request.Context(), req.From, req.Body, req.MessageID)
	if err != nil {
		if out != nil && errors.HasCode(err, errors.CodeAlreadyHandled) {
			response.FailWithData(c, err, out)
			return
		}
		response.Fail(c, err)
		return
	}
	response.Success(c, out)
}

type smsStatusReq struct {
	DeliveryID string                `json:"deliveryId" form:"MessageSid" binding:"required"`
	Status     models.DeliveryStatus `json:"status" form:"MessageStatus" binding:"required"`
}

func (h *Handlers) handleSMSStatus(c *gin.Context) {
	var req smsStatusReq
	if err := c.ShouldBind(&req); err != nil {
		response.Fail(c, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid request"))
		return
	}
	if err := h.engine.HandleDeliveryStatus(c.Request.Context(), req.DeliveryID, req.Status); err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, nil)
}
