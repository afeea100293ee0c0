package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"glow/internal/engine"
)

func TestReduceValidatorInputs(t *testing.T) {
	accepted := []string{
		`{"frames":["a","b"]}`,
		`{"image":"abc"}`,
		`{"frames":["a"],"method":"median"}`,
	}
	for _, raw := range accepted {
		if err := reduceValidator(json.RawMessage(raw)); err != nil {
			t.Fatalf("params %s rejected: %v", raw, err)
		}
	}
	rejected := []string{
		`{}`,
		`{"method":"mean"}`,
		`{"frames":["a"],"method":"sharpen"}`,
	}
	for _, raw := range rejected {
		if err := reduceValidator(json.RawMessage(raw)); !errors.Is(err, engine.ErrInvalidParameters) {
			t.Fatalf("params %s err = %v, want ErrInvalidParameters", raw, err)
		}
	}
}

func TestReduceHandlerSingleImage(t *testing.T) {
	out, err := reduceHandler(context.Background(), json.RawMessage(`{"image":"abc"}`))
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	var res struct {
		FramesReduced int    `json:"frames_reduced"`
		Method        string `json:"method"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if res.FramesReduced != 1 || res.Method != "mean" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExportValidatorFormats(t *testing.T) {
	if err := exportValidator(json.RawMessage(`{"job_id":"j1","format":"tar"}`)); err != nil {
		t.Fatalf("tar rejected: %v", err)
	}
	if err := exportValidator(json.RawMessage(`{"format":"zip"}`)); !errors.Is(err, engine.ErrInvalidParameters) {
		t.Fatalf("missing job_id err = %v, want ErrInvalidParameters", err)
	}
	if err := exportValidator(json.RawMessage(`{"job_id":"j1","format":"rar"}`)); !errors.Is(err, engine.ErrInvalidParameters) {
		t.Fatalf("unknown format err = %v, want ErrInvalidParameters", err)
	}
}
