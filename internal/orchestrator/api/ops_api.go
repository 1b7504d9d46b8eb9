package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tooldock/tooldock/internal/orchestrator/scaler"
)

func (api *Api) setupOpsRouters(g *gin.RouterGroup) {
	g.GET("/health/status", api.GetHealthStatus)
	g.POST("/health/sweep", api.TriggerSweep)
	g.POST("/instances/:instanceID/health/refresh", api.RefreshHealth)

	g.PUT("/instances/:instanceID/scaling/policy", api.SetScalingPolicy)
	g.POST("/instances/:instanceID/metrics", api.RecordMetrics)
	g.GET("/instances/:instanceID/scaling/evaluate", api.EvaluateScaling)
	g.GET("/scaling/decisions", api.ListScalingDecisions)

	g.GET("/reconcile", api.Reconcile)
}

func (api *Api) GetHealthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{"targets": api.monitor.Snapshot()})
}

func (api *Api) TriggerSweep(c *gin.Context) {
	api.monitor.TriggerSweep(c.Request.Context())
	c.JSON(http.StatusAccepted, map[string]any{"status": "sweep triggered"})
}

func (api *Api) RefreshHealth(c *gin.Context) {
	state, err := api.engine.RefreshHealth(c.Request.Context(), c.Param("instanceID"))
	if err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"health": state})
}

func (api *Api) SetScalingPolicy(c *gin.Context) {
	var policy scaler.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	id := c.Param("instanceID")
	if _, err := api.engine.Get(id); err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	api.scaler.SetPolicy(id, policy)
	c.JSON(http.StatusOK, map[string]any{"status": "policy set"})
}

func (api *Api) RecordMetrics(c *gin.Context) {
	var sample scaler.Sample
	if err := c.ShouldBindJSON(&sample); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	api.scaler.RecordSample(c.Param("instanceID"), sample)
	c.JSON(http.StatusAccepted, map[string]any{"status": "recorded"})
}

func (api *Api) EvaluateScaling(c *gin.Context) {
	c.JSON(http.StatusOK, api.scaler.Evaluate(c.Param("instanceID")))
}

func (api *Api) ListScalingDecisions(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{"decisions": api.scaler.History()})
}

func (api *Api) Reconcile(c *gin.Context) {
	report, err := api.lifecycle.Reconcile(c.Request.Context())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}
