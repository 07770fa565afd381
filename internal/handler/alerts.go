package handlers

import (
	"CrisisBridge/internal/engine"
	"CrisisBridge/internal/models"
	"CrisisBridge/internal/responses"
	"CrisisBridge/pkg/errors"
	"CrisisBridge/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) handleCreateAlert(c *gin.Context) {
	var req engine.CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid request"))
		return
	}
	id, err := h.engine.CreateAlert(c.Request.Context(), req)
	if err != nil {
		if id != "" {
			// 警报已保存但没有任何人被通知到，明确告知上报方
			response.FailWithData(c, err, gin.H{"id": id})
			return
		}
		response.Fail(c, err)
		return
	}
	snap, err := h.engine.GetAlertStatus(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, snap)
}

func (h *Handlers) handleGetAlert(c *gin.Context) {
	snap, err := h.engine.GetAlertStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, snap)
}

type submitResponseReq struct {
	ID          string              `json:"id"`
	ResponderID string              `json:"responderId" binding:"required"`
	Type        models.ResponseType `json:"type" binding:"required"`
	EtaMinutes  *int                `json:"etaMinutes"`
	Notes       string              `json:"notes"`
}

func (h *Handlers) handleSubmitResponse(c *gin.Context) {
	var req submitResponseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid request"))
		return
	}
	out, err := h.engine.SubmitResponse(c.Request.Context(), responses.Request{
		ID:          req.ID,
		AlertID:     c.Param("id"),
		ResponderID: req.ResponderID,
		Type:        req.Type,
		EtaMinutes:  req.EtaMinutes,
		Notes:       req.Notes,
		Channel:     models.ChannelAPI,
	})
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

type resolveReq struct {
	ResolverID string `json:"resolverId" binding:"required"`
	Notes      string `json:"notes"`
}

func (h *Handlers) handleResolveAlert(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, errors.WrapCode(err, errors.CodeInvalidRequest, "invalid request"))
		return
	}
	alert, err := h.engine.ResolveAlert(c.Request.Context(), c.Param("id"), req.ResolverID, req.Notes)
	if err != nil {
		if alert != nil && errors.HasCode(err, errors.CodeAlreadyHandled) {
			response.FailWithData(c, err, alert)
			return
		}
		response.Fail(c, err)
		return
	}
	response.Success(c, alert)
}
