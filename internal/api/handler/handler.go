package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"flowhost/internal/api/dto"
	"flowhost/internal/core/ports"
	"flowhost/internal/dispatch"
	"flowhost/internal/domain"
	"flowhost/internal/engine"
	"flowhost/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type WorkflowHandler struct {
	definitions ports.DefinitionStore
	instances   ports.InstanceStore
	engine      *engine.Engine
	dispatcher  *dispatch.HTTPDispatcher
	hub         *hub.Hub
}

func NewWorkflowHandler(definitions ports.DefinitionStore, instances ports.InstanceStore, eng *engine.Engine, dispatcher *dispatch.HTTPDispatcher, h *hub.Hub) *WorkflowHandler {
	return &WorkflowHandler{
		definitions: definitions,
		instances:   instances,
		engine:      eng,
		dispatcher:  dispatcher,
		hub:         h,
	}
}

func (h *WorkflowHandler) PublishDefinition(c *gin.Context) {
	var req dto.PublishDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	def, err := requestToDefinition(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: "definition_invalid"})
		return
	}

	id, version, err := h.definitions.Publish(c.Request.Context(), def)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.PublishDefinitionResponse{ID: id, Version: version})
}

func (h *WorkflowHandler) GetDefinition(c *gin.Context) {
	version := 0
	if raw := c.Query("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad version", Kind: "bad_request"})
			return
		}
		version = v
	}
	def, err := h.definitions.Get(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req dto.StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	def, err := h.definitions.Get(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		respondError(c, err)
		return
	}

	id, res, err := h.engine.Start(c.Request.Context(), def, req.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	// Faulted is a workflow-level outcome, not a transport error.
	c.JSON(http.StatusCreated, dto.RunResponse{
		InstanceID: id,
		Status:     res.Status,
		Yielded:    res.Yielded,
		Fault:      res.Fault,
	})
}

func (h *WorkflowHandler) Trigger(c *gin.Context) {
	route := c.Param("route")
	if len(route) > 0 && route[0] == '/' {
		route = route[1:]
	}

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	outcomes, err := h.dispatcher.Dispatch(c.Request.Context(), route, payload)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.TriggerResponse{}
	for _, o := range outcomes {
		entry := dto.TriggerResultEntry{InstanceID: o.InstanceID, Started: o.Started, Status: o.Status}
		if o.Err != nil {
			entry.Error = o.Err.Error()
		}
		resp.Results = append(resp.Results, entry)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WorkflowHandler) GetInstance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad instance id", Kind: "bad_request"})
		return
	}
	inst, err := h.instances.Load(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.InstanceResponse{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            inst.Status,
		Variables:         inst.Variables,
		Fault:             inst.Fault,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
	})
}

func (h *WorkflowHandler) CancelInstance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad instance id", Kind: "bad_request"})
		return
	}
	res, err := h.engine.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.RunResponse{InstanceID: id, Status: res.Status, Fault: res.Fault})
}

// StreamEvents pushes the instance's event stream over SSE until the
// client disconnects or the subscription is dropped for falling behind.
func (h *WorkflowHandler) StreamEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "bad instance id", Kind: "bad_request"})
		return
	}

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), hub.ErrSubscriberOverflow) {
					c.SSEvent("overflow", gin.H{"kind": "subscriber_overflow"})
				}
				return false
			}
			c.SSEvent("event", event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func requestToDefinition(req *dto.PublishDefinitionRequest) (*domain.WorkflowDefinition, error) {
	steps := make(map[string]domain.Step, len(req.Steps))
	for _, s := range req.Steps {
		var duration time.Duration
		if s.Duration != "" {
			d, err := time.ParseDuration(s.Duration)
			if err != nil {
				return nil, err
			}
			duration = d
		}
		steps[s.ID] = domain.Step{
			ID:                s.ID,
			Kind:              s.Kind,
			Inputs:            s.Inputs,
			Outcomes:          s.Outcomes,
			Transitions:       s.Transitions,
			DefaultTransition: s.DefaultTransition,
			DanglingAllowed:   s.DanglingAllowed,
			PropagateFault:    s.PropagateFault,
			Route:             s.Route,
			Duration:          duration,
			Task:              s.Task,
			ResultVar:         s.ResultVar,
			Branches:          s.Branches,
			JoinGroup:         s.JoinGroup,
		}
	}
	return &domain.WorkflowDefinition{
		ID:         req.ID,
		Name:       req.Name,
		StartStep:  req.StartStep,
		MultiStart: req.MultiStart,
		Steps:      steps,
	}, nil
}

// respondError maps the workflow error taxonomy onto transport status
// codes: validation 400, not-found 404, conflict or busy 409.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrDefinitionInvalid):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Kind: "definition_invalid"})
	case errors.Is(err, domain.ErrDefinitionNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), Kind: "definition_not_found"})
	case errors.Is(err, domain.ErrInstanceNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error(), Kind: "instance_not_found"})
	case errors.Is(err, domain.ErrBookmarkNotFound):
		// Idempotent for at-least-once senders.
		c.JSON(http.StatusOK, dto.ErrorResponse{Error: err.Error(), Kind: "bookmark_not_found"})
	case errors.Is(err, domain.ErrInstanceBusy):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error(), Kind: "instance_busy"})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error(), Kind: "concurrency_conflict"})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Kind: "internal"})
	}
}
