package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"glow/internal/config"
	"glow/internal/engine"
	"glow/internal/scheduler"
)

// registerBuiltinHandlers binds the known kinds to their handlers and gives
// any other configured kind the echo handler so operators can exercise the
// pipeline before wiring real work in.
func registerBuiltinHandlers(s *scheduler.Scheduler, cfg *config.Config) {
	for kind := range cfg.Kinds {
		switch kind {
		case "reduce":
			s.RegisterHandler(kind, scheduler.HandlerFunc(reduceHandler), reduceValidator)
		case "export":
			s.RegisterHandler(kind, scheduler.HandlerFunc(exportHandler), exportValidator)
		default:
			s.RegisterHandler(kind, scheduler.HandlerFunc(echoHandler), nil)
		}
	}
}

type reduceParams struct {
	Frames []string `json:"frames"`
	Image  string   `json:"image"`
	Method string   `json:"method"`
}

// inputs returns the frame list, treating a lone image as a stack of one.
func (p reduceParams) inputs() []string {
	if len(p.Frames) == 0 && p.Image != "" {
		return []string{p.Image}
	}
	return p.Frames
}

func reduceValidator(parameters json.RawMessage) error {
	var p reduceParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidParameters, err)
	}
	if len(p.inputs()) == 0 {
		return fmt.Errorf("%w: frames or image is required", engine.ErrInvalidParameters)
	}
	switch p.Method {
	case "", "mean", "median", "sum":
	default:
		return fmt.Errorf("%w: unknown method %s", engine.ErrInvalidParameters, p.Method)
	}
	return nil
}

func reduceHandler(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	var p reduceParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return nil, err
	}
	method := p.Method
	if method == "" {
		method = "mean"
	}
	frames := p.inputs()
	// One tick per frame keeps the handler responsive to cancellation.
	for range frames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return json.Marshal(map[string]any{
		"frames_reduced": len(frames),
		"method":         method,
	})
}

type exportParams struct {
	JobID  string `json:"job_id"`
	Format string `json:"format"`
}

func exportValidator(parameters json.RawMessage) error {
	var p exportParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidParameters, err)
	}
	if p.JobID == "" {
		return fmt.Errorf("%w: job_id is required", engine.ErrInvalidParameters)
	}
	switch p.Format {
	case "", "zip", "tar":
	default:
		return fmt.Errorf("%w: unknown format %s", engine.ErrInvalidParameters, p.Format)
	}
	return nil
}

func exportHandler(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	var p exportParams
	if err := json.Unmarshal(parameters, &p); err != nil {
		return nil, err
	}
	format := p.Format
	if format == "" {
		format = "zip"
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return json.Marshal(map[string]any{
		"archive": fmt.Sprintf("%s.%s", p.JobID, format),
	})
}

func echoHandler(ctx context.Context, parameters json.RawMessage) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	if len(parameters) == 0 {
		parameters = json.RawMessage("{}")
	}
	return json.Marshal(map[string]any{"echo": json.RawMessage(parameters)})
}
