package httpapi

import (
	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/httpapi/docs"
	"github.com/yggdrasil-sh/core/workspace"
)

// NewRouter builds a gin.Engine exposing the Workspace API under
// /api/v1, bearer-auth-gated, plus a /swagger/*any doc browser.
//
// Grounded on the teacher's restapi/main/main.go: same route-grouping
// shape and the same ginSwagger.WrapHandler mount, generalized from the
// teacher's package-level RestMethod registry (restapi.RegisterMethod)
// to a plain method table, since this API's route set is fixed at
// compile time rather than assembled by independently registering
// packages.
func NewRouter(ws *workspace.Workspace, gcCfg *gc.Config, auth AuthConfig) *gin.Engine {
	api := New(ws, gcCfg)

	router := gin.Default()
	docs.SwaggerInfo.BasePath = "/api/v1"

	v1 := router.Group("/api/v1", auth.Middleware())
	{
		v1.GET("/systems", api.ListSystems)
		v1.GET("/systems/:id", api.GetSystem)
		v1.POST("/systems/:id/commit", api.Commit)
		v1.GET("/systems/:id/history", api.History)
		v1.POST("/gc/run", api.RunGC)
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))
	return router
}
