package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/haatos/runflow/internal/service"
	"github.com/haatos/runflow/internal/store"
	"github.com/haatos/runflow/internal/workflow"
)

type WorkflowServicer interface {
	Load() error
	ListWorkflows() []*workflow.Workflow
	Trigger(ctx context.Context, ev workflow.Event) ([]*store.Run, error)
	Dispatch(ctx context.Context, name, ref string, inputs map[string]string) (*store.Run, error)
	GetRun(ctx context.Context, runID string) (*service.RunDetails, error)
	ListRuns(ctx context.Context, workflowName string, page int64) ([]store.Run, int64, error)
	CancelRun(ctx context.Context, runID string) error
}

type OutputSubscriber interface {
	Subscribe(runID string) (string, <-chan service.OutputLine, bool)
	Unsubscribe(runID, uid string)
}

type WorkflowHandler struct {
	workflowService WorkflowServicer
	output          OutputSubscriber
}

func NewWorkflowHandler(workflowService WorkflowServicer, output OutputSubscriber) *WorkflowHandler {
	return &WorkflowHandler{workflowService: workflowService, output: output}
}

type (
	WorkflowResponse struct {
		Name     string            `json:"name"`
		Path     string            `json:"path"`
		Triggers []TriggerResponse `json:"triggers"`
		Jobs     []string          `json:"jobs"`
	}

	TriggerResponse struct {
		Event          string           `json:"event"`
		Branches       []string         `json:"branches,omitempty"`
		BranchesIgnore []string         `json:"branches_ignore,omitempty"`
		Tags           []string         `json:"tags,omitempty"`
		TagsIgnore     []string         `json:"tags_ignore,omitempty"`
		Types          []string         `json:"types,omitempty"`
		Cron           []string         `json:"cron,omitempty"`
		Inputs         []workflow.Input `json:"inputs,omitempty"`
	}

	RunsResponse struct {
		Runs []*store.Run `json:"runs"`
	}

	ListRunsResponse struct {
		Runs  []store.Run `json:"runs"`
		Total int64       `json:"total"`
		Page  int64       `json:"page"`
	}
)

func newWorkflowResponse(wf *workflow.Workflow) WorkflowResponse {
	res := WorkflowResponse{
		Name:     wf.Name,
		Path:     wf.Path,
		Triggers: make([]TriggerResponse, 0, len(wf.On)),
		Jobs:     make([]string, 0, len(wf.Jobs)),
	}
	for _, t := range wf.On {
		res.Triggers = append(res.Triggers, TriggerResponse{
			Event:          t.Event,
			Branches:       t.Branches,
			BranchesIgnore: t.BranchesIgnore,
			Tags:           t.Tags,
			TagsIgnore:     t.TagsIgnore,
			Types:          t.Types,
			Cron:           t.Cron,
			Inputs:         t.Inputs,
		})
	}
	for _, j := range wf.Jobs {
		res.Jobs = append(res.Jobs, j.ID)
	}
	return res
}

// SetupWorkflowRoutes registers the API on g. Every route requires the
// webhook key when one is configured.
func SetupWorkflowRoutes(g *echo.Group, h *WorkflowHandler, webhookKey string) {
	g.Use(WebhookKey(webhookKey))
	g.POST("/events", h.PostEvent)

	workflows := g.Group("/workflows")
	workflows.GET("", h.GetWorkflows)
	workflows.POST("/reload", h.PostReload)
	workflows.POST("/:name/dispatch", h.PostDispatch)

	runs := g.Group("/runs")
	runs.GET("", h.GetRuns)
	runs.GET("/:run_id", h.GetRun)
	runs.POST("/:run_id/cancel", h.PostCancelRun)
	runs.GET("/:run_id/stream", h.GetRunStream)
}

// PostEvent starts a run of every workflow whose triggers match the event.
func (h *WorkflowHandler) PostEvent(c echo.Context) error {
	var params EventParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	ev := workflow.Event{
		Name:       params.Event,
		Repository: params.Repository,
		Ref:        params.Ref,
		SHA:        params.SHA,
		Action:     params.Action,
		BaseRef:    params.BaseRef,
		Files:      params.Files,
	}
	runs, err := h.workflowService.Trigger(c.Request().Context(), ev)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, RunsResponse{Runs: runs})
}

func (h *WorkflowHandler) PostDispatch(c echo.Context) error {
	var params DispatchParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	run, err := h.workflowService.Dispatch(c.Request().Context(), params.Name, params.Ref, params.Inputs)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *WorkflowHandler) GetWorkflows(c echo.Context) error {
	workflows := h.workflowService.ListWorkflows()
	res := make([]WorkflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		res = append(res, newWorkflowResponse(wf))
	}
	return c.JSON(http.StatusOK, res)
}

// PostReload rereads the workflows directory. Invalid definitions leave the
// loaded workflows in place.
func (h *WorkflowHandler) PostReload(c echo.Context) error {
	if err := h.workflowService.Load(); err != nil {
		return newError(err, http.StatusUnprocessableEntity, err.Error())
	}
	return h.GetWorkflows(c)
}

func (h *WorkflowHandler) GetRuns(c echo.Context) error {
	var params ListRunsParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	page := max(params.Page, 1)
	runs, total, err := h.workflowService.ListRuns(c.Request().Context(), params.Workflow, page)
	if err != nil {
		return serviceError(err)
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Total: total, Page: page})
}

func (h *WorkflowHandler) GetRun(c echo.Context) error {
	var params RunParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	run, err := h.workflowService.GetRun(c.Request().Context(), params.RunID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *WorkflowHandler) PostCancelRun(c echo.Context) error {
	var params RunParams
	if err := bindAndValidate(c, &params); err != nil {
		return err
	}
	if err := h.workflowService.CancelRun(c.Request().Context(), params.RunID); err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
