package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tooldock/tooldock/internal/middleware"
	"github.com/tooldock/tooldock/internal/orchestrator/engine"
	"github.com/tooldock/tooldock/internal/orchestrator/health"
	"github.com/tooldock/tooldock/internal/orchestrator/lifecycle"
	"github.com/tooldock/tooldock/internal/orchestrator/scaler"
)

type Api struct {
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	monitor   *health.Monitor
	scaler    *scaler.Scaler
	router    *gin.Engine
}

func NewApi(eng *engine.Engine, lm *lifecycle.Manager, mon *health.Monitor,
	sc *scaler.Scaler, router *gin.Engine, authToken string) (*Api, error) {
	api := &Api{
		engine:    eng,
		lifecycle: lm,
		monitor:   mon,
		scaler:    sc,
		router:    router,
	}
	api.setupRouters(router, authToken)
	return api, nil
}

func (api *Api) setupRouters(router *gin.Engine, authToken string) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Authentication(authToken))

	// 目录与实例相关路由
	api.setupInstanceRouters(v1)

	// 健康与扩缩容相关路由
	api.setupOpsRouters(v1)
}
