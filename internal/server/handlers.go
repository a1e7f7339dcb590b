package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"groomline/internal/domain"
	"groomline/internal/engine"
	"groomline/internal/groomer"
	"groomline/internal/locks"
	"groomline/internal/workflow"
)

type handlers struct {
	e      *engine.Engine
	logger *zap.Logger
}

var (
	writeErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}
	readErrors  = []int{http.StatusBadRequest, http.StatusNotFound}
)

type itemPath struct {
	ID string `path:"id"`
}

func (h handlers) registerItems(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Submit a work item",
		Description:   "Checks the candidate for duplicates. A near-duplicate is merged into the earlier item and accepted is false.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest
	}) (*output[engine.SubmitResult], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Submit(ctx, input.Body.submission(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get a work item with its current score",
		Errors:      readErrors,
	}, func(ctx context.Context, input *itemPath) (*output[engine.Entry], error) {
		entry, err := h.e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-history",
		Method:      http.MethodGet,
		Path:        "/items/{id}/history",
		Summary:     "Events about an item, oldest first",
		Errors:      readErrors,
	}, func(ctx context.Context, input *itemPath) (*output[EventsResponse], error) {
		evts, err := h.e.GetHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(EventsResponse{Events: evts}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-revisions",
		Method:      http.MethodGet,
		Path:        "/items/{id}/revisions",
		Summary:     "Field-level diffs of an item per version",
		Errors:      readErrors,
	}, func(ctx context.Context, input *itemPath) (*output[RevisionsResponse], error) {
		revs, err := h.e.Revisions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RevisionsResponse{Revisions: revs}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transitions",
		Summary:     "Apply a workflow trigger",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionRequest
	}) (*output[workflow.Applied], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Transition(ctx, engine.TransitionRequest{
			ItemID:   input.ID,
			Trigger:  input.Body.Trigger,
			Actor:    actor,
			Reason:   input.Body.Reason,
			AssignTo: input.Body.AssignTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/merge",
		Summary:     "Merge a duplicate into an item",
		Description: "The earlier of the two items survives whichever side is named in the path.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body MergeRequest
	}) (*output[domain.WorkItem], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := h.e.Merge(ctx, input.ID, input.Body.DuplicateID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/items/{id}/dependencies",
		Summary:       "Block an item on another",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body DependencyRequest
	}) (*output[VersionResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := h.e.AddDependency(ctx, input.Body.Blocker, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/items/{id}/dependencies/{blocker}",
		Summary:     "Remove a blocking edge",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Blocker string `path:"blocker"`
	}) (*output[VersionResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := h.e.RemoveDependency(ctx, input.Blocker, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(VersionResponse{Version: v}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-gate",
		Method:      http.MethodPost,
		Path:        "/items/{id}/gates/{gate}/decision",
		Summary:     "Approve or reject a pending gate",
		Errors:      append([]int{http.StatusForbidden}, writeErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Gate string `path:"gate"`
		Body GateDecisionRequest
	}) (*output[workflow.Applied], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approver := actor
		if role := input.Body.Role; role != "" {
			p, _ := principalFromContext(ctx)
			if !p.HasRole(role) {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "role not held by caller", map[string]any{"role": role})
			}
			approver = role
		}
		a, err := h.e.DecideGate(ctx, input.ID, input.Gate, input.Body.Decision, approver, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		h.logger.Info("gate decided", zap.String("item", input.ID), zap.String("gate", input.Gate),
			zap.String("decision", input.Body.Decision), zap.String("actor", actor), zap.String("approver", approver))
		return reply(a), nil
	})
}

func (h handlers) registerBacklog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-backlog",
		Method:      http.MethodGet,
		Path:        "/backlog",
		Summary:     "Ranked backlog",
		Errors:      readErrors,
	}, func(ctx context.Context, input *BacklogParams) (*output[engine.Backlog], error) {
		q, err := input.query()
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h.e.GetBacklog(ctx, q)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-backlog-at",
		Method:      http.MethodGet,
		Path:        "/versions/{version}/backlog",
		Summary:     "Ranked backlog as it was at a version",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Version uint64 `path:"version"`
		BacklogParams
	}) (*output[engine.Backlog], error) {
		q, err := input.query()
		if err != nil {
			return nil, handleError(err)
		}
		b, err := h.e.ReadAt(ctx, domain.Version(input.Version), q)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "head-version",
		Method:      http.MethodGet,
		Path:        "/versions/head",
		Summary:     "Current version",
	}, func(ctx context.Context, _ *struct{}) (*output[VersionResponse], error) {
		return reply(VersionResponse{Version: h.e.Snapshot()}), nil
	})
}

func (h handlers) registerWorkers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "register-worker",
		Method:      http.MethodPost,
		Path:        "/workers",
		Summary:     "Register a worker or replace its skills",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body WorkerRequest
	}) (*output[domain.Worker], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := h.e.RegisterWorker(ctx, engine.WorkerSpec{ID: input.Body.ID, Skills: input.Body.Skills, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, _ *struct{}) (*output[WorkersResponse], error) {
		return reply(WorkersResponse{Workers: h.e.Workers(ctx)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pull-work",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/pull",
		Summary:     "Assign the best suitable item to a worker",
		Description: "Returns 404 no_suitable_work when nothing fits the worker.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *itemPath) (*output[engine.Pulled], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := h.e.PullNext(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})
}

func (h handlers) registerLocks(api huma.API) {
	lockErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusLocked}

	huma.Register(api, huma.Operation{
		OperationID:   "acquire-lock",
		Method:        http.MethodPost,
		Path:          "/locks",
		Summary:       "Acquire a lock on a shared artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        lockErrors,
	}, func(ctx context.Context, input *struct {
		Body LockRequest
	}) (*output[domain.Lock], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := input.Body.request(actor)
		if err != nil {
			return nil, handleError(err)
		}
		l, err := h.e.AcquireLock(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(l), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "acquire-lock-set",
		Method:        http.MethodPost,
		Path:          "/lock-sets",
		Summary:       "Acquire several locks, all or none",
		DefaultStatus: http.StatusCreated,
		Errors:        lockErrors,
	}, func(ctx context.Context, input *struct {
		Body LockSetRequest
	}) (*output[LocksResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reqs := make([]locks.Request, 0, len(input.Body.Locks))
		for _, lr := range input.Body.Locks {
			req, err := lr.request(actor)
			if err != nil {
				return nil, handleError(err)
			}
			reqs = append(reqs, req)
		}
		ls, err := h.e.AcquireLocks(ctx, reqs)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(LocksResponse{Locks: ls}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "Current holders of a resource",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ResourceID string `query:"resource_id" required:"true"`
	}) (*output[LocksResponse], error) {
		return reply(LocksResponse{Locks: h.e.Locks.Holders(input.ResourceID)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-lock",
		Method:        http.MethodDelete,
		Path:          "/locks/{token}",
		Summary:       "Release a lock",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct{}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.ReleaseLock(ctx, input.Token, actor); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Range of the event log",
		Errors:      readErrors,
	}, func(ctx context.Context, input *eventParams) (*output[EventsResponse], error) {
		q, err := input.query()
		if err != nil {
			return nil, handleError(err)
		}
		evts := h.e.Events(ctx, q)
		if evts == nil {
			evts = []domain.Event{}
		}
		return reply(EventsResponse{Events: evts}), nil
	})
}

func (h handlers) registerMaintenance(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "groom",
		Method:      http.MethodPost,
		Path:        "/groom",
		Summary:     "Run one grooming cycle now",
	}, func(ctx context.Context, _ *struct{}) (*output[groomer.Report], error) {
		rep, err := h.e.Groom(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "compact",
		Method:        http.MethodPost,
		Path:          "/snapshots",
		Summary:       "Persist a compacted snapshot of the current state",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*output[SnapshotResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := h.e.Compact(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(snapshotResponse(rec)), nil
	})
}
