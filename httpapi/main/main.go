// Package main is a reference entrypoint wiring a Registry, a Workspace,
// and the httpapi router together. Feel free to copy and adapt it for a
// real deployment's own system adapters.
package main

import (
	"log"
	"log/slog"
	"os"
	"time"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/httpapi"
	"github.com/yggdrasil-sh/core/pagestore"
	"github.com/yggdrasil-sh/core/registry"
	"github.com/yggdrasil-sh/core/workspace"
)

// @BasePath /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	yggdrasil.ConfigureLogging(slog.LevelInfo)

	dataDir := os.Getenv("YGGDRASIL_DATA_DIR")
	if dataDir == "" {
		dataDir = "/tmp/yggdrasil_registry"
	}

	reg, err := registry.Open(dataDir, registry.Options{PageStore: pagestore.Options{PageSize: 4096}})
	if err != nil {
		log.Fatal(err)
	}
	defer reg.Close()

	ws, err := workspace.New(workspace.Options{Registry: reg})
	if err != nil {
		log.Fatal(err)
	}
	defer ws.Close()

	gcCfg := gc.Config{GracePeriod: 24 * time.Hour}

	auth := httpapi.AuthConfig{
		OktaDomain:   os.Getenv("OKTA_DOMAIN"),
		OktaClientID: os.Getenv("OKTA_CLIENT_ID"),
		QAToken:      os.Getenv("YGGDRASIL_QA_TOKEN"),
		DevBypass:    os.Getenv("YGGDRASIL_ENV") == "DEV",
	}

	router := httpapi.NewRouter(ws, &gcCfg, auth)
	if err := router.Run(addr()); err != nil {
		log.Fatal(err)
	}
}

func addr() string {
	if a := os.Getenv("YGGDRASIL_HTTP_ADDR"); a != "" {
		return a
	}
	return "localhost:8080"
}
