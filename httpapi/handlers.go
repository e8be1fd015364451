package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/system"
	"github.com/yggdrasil-sh/core/workspace"
)

// API exposes a Workspace and an optional GC configuration as a thin REST
// surface, in the same spirit as the teacher's restapi package wrapping a
// SOP transaction/store core: each handler does just enough translation
// between gin.Context and the underlying Go API to be useful over HTTP.
type API struct {
	ws    *workspace.Workspace
	gcCfg *gc.Config
}

// New constructs an API. gcCfg may be nil if GC is not exposed over HTTP
// in this deployment; otherwise RunGC constructs a fresh gc.GC per call so
// a request can override DryRun without mutating shared state.
func New(ws *workspace.Workspace, gcCfg *gc.Config) *API {
	return &API{ws: ws, gcCfg: gcCfg}
}

type systemView struct {
	SystemID     yggdrasil.SystemID `json:"system_id"`
	SystemType   string             `json:"system_type"`
	Capabilities string             `json:"capabilities"`
	Branch       string             `json:"branch,omitempty"`
	Snapshot     string             `json:"snapshot,omitempty"`
}

func newSystemView(sys system.System) systemView {
	v := systemView{
		SystemID:     sys.SystemID(),
		SystemType:   sys.SystemType(),
		Capabilities: sys.Capabilities().String(),
	}
	if branchable, ok := sys.(system.Branchable); ok {
		v.Branch = string(branchable.CurrentBranch())
	}
	if snapshotable, ok := sys.(system.Snapshotable); ok {
		v.Snapshot = string(snapshotable.CurrentSnapshot())
	}
	return v
}

// ListSystems godoc
// @Summary List managed systems
// @Description Returns every system currently managed by the Workspace, with its declared capabilities and current branch/snapshot where applicable.
// @Tags Systems
// @Produce json
// @Success 200 {object} []systemView
// @Router /systems [get]
// @Security Bearer
func (a *API) ListSystems(c *gin.Context) {
	ids := a.ws.ManagedSystems()
	out := make([]systemView, 0, len(ids))
	for _, id := range ids {
		sys, ok := a.ws.Managed(id)
		if !ok {
			continue
		}
		out = append(out, newSystemView(sys))
	}
	c.JSON(http.StatusOK, out)
}

// GetSystem godoc
// @Summary Get one managed system
// @Tags Systems
// @Produce json
// @Param id path string true "System id"
// @Success 200 {object} systemView
// @Failure 404 {object} map[string]any
// @Router /systems/{id} [get]
// @Security Bearer
func (a *API) GetSystem(c *gin.Context) {
	id := yggdrasil.SystemID(c.Param("id"))
	sys, ok := a.ws.Managed(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "system not managed: " + string(id)})
		return
	}
	c.JSON(http.StatusOK, newSystemView(sys))
}

type commitRequest struct {
	Message string `json:"message" binding:"required"`
}

type commitResponse struct {
	SnapshotID yggdrasil.SnapshotID `json:"snapshot_id"`
}

// Commit godoc
// @Summary Commit on a managed system
// @Tags Systems
// @Accept json
// @Produce json
// @Param id path string true "System id"
// @Param body body commitRequest true "Commit message"
// @Success 200 {object} commitResponse
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /systems/{id}/commit [post]
// @Security Bearer
func (a *API) Commit(c *gin.Context) {
	id := yggdrasil.SystemID(c.Param("id"))
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	hlc := a.ws.BeginTransaction()
	snapID, err := a.ws.CommitWithHLC(id, hlc, func(sys system.System) (system.System, yggdrasil.SnapshotID, error) {
		committable, err := system.Has[system.Committable](sys, yggdrasil.CapCommittable)
		if err != nil {
			return nil, "", err
		}
		return committable.Commit(req.Message)
	})
	if err != nil {
		status := http.StatusInternalServerError
		if yggdrasil.CodeOf(err) == yggdrasil.NotFound {
			status = http.StatusNotFound
		} else if yggdrasil.CodeOf(err) == yggdrasil.CapabilityError {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, commitResponse{SnapshotID: snapID})
}

// History godoc
// @Summary Commit history of a managed system
// @Tags Systems
// @Produce json
// @Param id path string true "System id"
// @Success 200 {object} []system.CommitInfo
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /systems/{id}/history [get]
// @Security Bearer
func (a *API) History(c *gin.Context) {
	id := yggdrasil.SystemID(c.Param("id"))
	sys, ok := a.ws.Managed(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "system not managed: " + string(id)})
		return
	}
	graphable, err := system.Has[system.Graphable](sys, yggdrasil.CapGraphable)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	history, err := graphable.History()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}

type gcRunRequest struct {
	DryRun bool `json:"dry_run"`
}

// RunGC godoc
// @Summary Run garbage collection
// @Tags GC
// @Accept json
// @Produce json
// @Param body body gcRunRequest false "Run options"
// @Success 200 {object} gc.Result
// @Failure 503 {object} map[string]any
// @Router /gc/run [post]
// @Security Bearer
func (a *API) RunGC(c *gin.Context) {
	if a.gcCfg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "gc is not configured for this deployment"})
		return
	}
	var req gcRunRequest
	// Absent or empty body both mean "use the configured default".
	_ = c.ShouldBindJSON(&req)

	cfg := *a.gcCfg
	if req.DryRun {
		cfg.DryRun = true
	}
	result, err := gc.New(a.ws, cfg).Run()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
