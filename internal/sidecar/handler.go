package sidecar

import (
	"context"
	"fmt"

	"go-backburner-worker/internal/job"
)

// Handler performs one job class by delegating it to a sidecar
type Handler struct {
	Client SidecarClient
	Class  string
}

var _ job.Handler = (*Handler)(nil)

// Perform maps the sidecar status onto the job outcome: "success" is nil,
// "retry" asks for a quiet retry and anything else fails the attempt.
func (h *Handler) Perform(ctx context.Context, args []any) error {
	res, err := h.Client.ExecuteJob(ctx, &ExecuteRequest{Class: h.Class, Args: args})
	if err != nil {
		return err
	}

	switch res.Status {
	case "success":
		return nil
	case "retry":
		return job.RetryLater(res.ErrorMessage)
	default:
		return fmt.Errorf("sidecar %s: status %q: %s", h.Class, res.Status, res.ErrorMessage)
	}
}

// Register routes every class to client on reg.
func Register(reg *job.Registry, client SidecarClient, classes ...string) {
	for _, class := range classes {
		reg.Register(class, &Handler{Client: client, Class: class})
	}
}
