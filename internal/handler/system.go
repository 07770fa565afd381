package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	// 检查数据库连接
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
		return
	}

	// 返回健康状态
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "streams": h.hub.ClientCount()})
}

// handleOpsStream 运营人员的实时事件流（升级、耗尽、解决）
func (h *Handlers) handleOpsStream(c *gin.Context) {
	id := c.Query("client")
	if id == "" {
		id = uuid.NewString()
	}
	h.hub.Serve(c, id)
}
