package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tooldock/tooldock/internal/orchestrator/engine"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
	"github.com/tooldock/tooldock/internal/orchestrator/ports"
)

func (api *Api) setupInstanceRouters(g *gin.RouterGroup) {
	g.GET("/catalog", api.ListCatalog)

	g.POST("/instances", api.SpinUp)
	g.GET("/instances", api.ListInstances)
	g.GET("/instances/:instanceID", api.GetInstance)
	g.POST("/instances/:instanceID/stop", api.StopInstance)
	g.POST("/instances/:instanceID/restart", api.RestartInstance)
	g.POST("/instances/:instanceID/retry", api.RetryQueued)
	g.POST("/instances/:instanceID/export", api.ExportInstance)
	g.DELETE("/instances/:instanceID", api.Decommission)

	g.GET("/stats", api.GetStats)
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrUnknownInstance):
		return http.StatusNotFound, "INSTANCE_NOT_FOUND"
	case errors.Is(err, engine.ErrPolicyRejected):
		return http.StatusForbidden, "POLICY_REJECTED"
	case errors.Is(err, engine.ErrUnsupportedDelivery):
		return http.StatusBadRequest, "UNSUPPORTED_DELIVERY_MODE"
	case errors.Is(err, ports.ErrPortsExhausted):
		return http.StatusConflict, "PORTS_EXHAUSTED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (api *Api) ListCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{"entries": api.engine.Catalog().List()})
}

func (api *Api) SpinUp(c *gin.Context) {
	var req engine.SpinUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.CatalogID == "" || req.TenantID == "" {
		apiError(c, http.StatusBadRequest, "INVALID_PARAMETER", "catalog_id and tenant_id are required")
		return
	}
	result, err := api.engine.SpinUp(c.Request.Context(), req)
	if err != nil {
		status, code := statusFor(err)
		c.JSON(status, map[string]any{
			"error":  map[string]any{"code": code, "message": err.Error()},
			"events": result.Events,
		})
		return
	}
	if result.Instance != nil && result.Instance.DeliveryMode == model.DeliveryHosted {
		api.scaler.EnsurePolicy(result.Instance.ID)
	}
	c.JSON(http.StatusCreated, result)
}

func (api *Api) ListInstances(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		c.JSON(http.StatusOK, map[string]any{"instances": api.engine.ListAll()})
		return
	}
	c.JSON(http.StatusOK, map[string]any{"instances": api.engine.ListByTenant(tenant)})
}

func (api *Api) GetInstance(c *gin.Context) {
	inst, err := api.engine.Get(c.Param("instanceID"))
	if err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (api *Api) StopInstance(c *gin.Context) {
	if err := api.engine.Stop(c.Request.Context(), c.Param("instanceID")); err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "stopped"})
}

func (api *Api) RestartInstance(c *gin.Context) {
	if err := api.engine.Restart(c.Request.Context(), c.Param("instanceID")); err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]any{"status": "running"})
}

func (api *Api) RetryQueued(c *gin.Context) {
	result, err := api.engine.RetryQueued(c.Request.Context(), c.Param("instanceID"))
	if err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *Api) ExportInstance(c *gin.Context) {
	var body struct {
		Format string `json:"format"`
	}
	// an empty body defaults to a compose bundle
	_ = c.ShouldBindJSON(&body)
	bundle, err := api.engine.Export(c.Request.Context(), c.Param("instanceID"), body.Format)
	if err != nil {
		status, code := statusFor(err)
		apiError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (api *Api) Decommission(c *gin.Context) {
	result := api.lifecycle.Decommission(c.Request.Context(), c.Param("instanceID"))
	status := http.StatusOK
	if !result.FullyDecommissioned {
		// partial teardown: report what remains instead of pretending success
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

func (api *Api) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, api.engine.Stats())
}
