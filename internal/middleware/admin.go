package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vortexpay/velocityguard/internal/guard"
)

// AdminAPI exposes the operator surface: manual blocks, unblocks, engine
// statistics, and the configured rules.
type AdminAPI struct {
	engine *guard.Engine
	logger *zap.Logger
}

// NewAdminAPI creates the admin API.
func NewAdminAPI(engine *guard.Engine, logger *zap.Logger) *AdminAPI {
	return &AdminAPI{engine: engine, logger: logger}
}

// Register mounts the admin routes on the given group.
func (api *AdminAPI) Register(g *gin.RouterGroup) {
	g.POST("/blocks", api.handleBlock)
	g.DELETE("/blocks/:scopeType/:identifier", api.handleUnblock)
	g.GET("/stats", api.handleStats)
	g.GET("/rules", api.handleRules)
	g.GET("/suspicious", api.handleSuspicious)
}

type blockRequest struct {
	ScopeType       string `json:"scope_type" binding:"required,oneof=address identity device"`
	Identifier      string `json:"identifier" binding:"required"`
	Reason          string `json:"reason" binding:"omitempty,oneof=manual automatic_suspicious"`
	DurationSeconds int    `json:"duration_seconds" binding:"required,gt=0"`
}

func (api *AdminAPI) handleBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	reason := guard.BlockReason(req.Reason)
	if reason == "" {
		reason = guard.ReasonManual
	}
	rec := api.engine.Block(guard.ScopeType(req.ScopeType), req.Identifier, reason, time.Duration(req.DurationSeconds)*time.Second)

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"message":   "Block placed",
		"data":      rec,
		"timestamp": time.Now(),
	})
}

func (api *AdminAPI) handleUnblock(c *gin.Context) {
	scopeType := c.Param("scopeType")
	identifier := c.Param("identifier")

	switch guard.ScopeType(scopeType) {
	case guard.ScopeAddress, guard.ScopeIdentity, guard.ScopeDevice:
	default:
		api.writeError(c, http.StatusBadRequest, "unknown scope type")
		return
	}

	removed := api.engine.Unblock(guard.ScopeType(scopeType), identifier)
	if !removed {
		api.writeError(c, http.StatusNotFound, "no active block for identifier")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Block removed",
		"timestamp": time.Now(),
	})
}

func (api *AdminAPI) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Statistics retrieved",
		"data":      api.engine.Statistics(),
		"timestamp": time.Now(),
	})
}

func (api *AdminAPI) handleRules(c *gin.Context) {
	table := api.engine.Rules()
	keys := table.Keys()
	rules := make([]guard.Rule, 0, len(keys))
	for _, k := range keys {
		if r, ok := table.Lookup(k); ok {
			rules = append(rules, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Rules retrieved",
		"data":      rules,
		"timestamp": time.Now(),
	})
}

func (api *AdminAPI) handleSuspicious(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Suspicious records retrieved",
		"data":      api.engine.SuspiciousRecords(),
		"timestamp": time.Now(),
	})
}

func (api *AdminAPI) writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now(),
	})
}
