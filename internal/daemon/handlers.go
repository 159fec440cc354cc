package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/msageha/fieldagent/internal/agent"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/uds"
)

// DrainResponse is the reply to a drain command.
type DrainResponse struct {
	agent.DrainResult
	Offline bool `json:"offline,omitempty"`
}

// NotificationsParams selects what the notifications command does with the log.
type NotificationsParams struct {
	Clear bool `json:"clear,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})
	d.server.Handle(uds.CommandSubmit, d.handleSubmit)
	d.server.Handle(uds.CommandDrain, d.handleDrain)
	d.server.Handle(uds.CommandStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.agent.Status())
	})
	d.server.Handle(uds.CommandNotifications, d.handleNotifications)
	d.server.Handle(uds.CommandClearNotifications, func(ctx context.Context, _ *uds.Request) *uds.Response {
		if err := d.agent.ClearNotifications(ctx); err != nil {
			return errorResponse(err)
		}
		return uds.SuccessResponse(map[string]string{"status": "cleared"})
	})
	d.server.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Log(agent.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSubmit(ctx context.Context, req *uds.Request) *uds.Response {
	var params agent.SubmitRequest
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if _, err := model.ParseActionKind(string(params.Action)); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	res, err := d.agent.Submit(ctx, params)
	if err != nil {
		return errorResponse(err)
	}
	d.logger.Log(agent.LogLevelInfo, "submit action=%s report=%s kind=%s queued=%t duplicate=%t",
		res.ActionID, params.ReportID, params.Action, res.Queued, res.Duplicate)
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleDrain(ctx context.Context, _ *uds.Request) *uds.Response {
	// inbox files dropped by an earlier CLI run go first
	d.ingestInbox("cli")
	res, err := d.agent.Drain(ctx, "cli")
	if errors.Is(err, agent.ErrOffline) {
		return uds.SuccessResponse(DrainResponse{DrainResult: res, Offline: true})
	}
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(DrainResponse{DrainResult: res})
}

func (d *Daemon) handleNotifications(ctx context.Context, req *uds.Request) *uds.Response {
	var params NotificationsParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	log, err := d.agent.Notifications(ctx)
	if err != nil {
		d.logger.Log(agent.LogLevelWarn, "notifications error=%v", err)
	}
	if params.Clear {
		if err := d.agent.ClearNotifications(ctx); err != nil {
			return errorResponse(err)
		}
	}
	return uds.SuccessResponse(log)
}

func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, agent.ErrInvalidAction):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, agent.ErrBackpressure):
		return uds.ErrorResponse(uds.ErrCodeBackpressure, err.Error())
	case errors.Is(err, agent.ErrClosed), errors.Is(err, context.Canceled):
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
