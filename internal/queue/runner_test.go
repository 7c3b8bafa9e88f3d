package queue

import (
	"context"
	"errors"
	"testing"
)

type recordingProcessor struct {
	guids []string
	err   error
}

func (p *recordingProcessor) ProcessByGUID(ctx context.Context, guid string) error {
	p.guids = append(p.guids, guid)
	return p.err
}

func TestInlineRunnerInvokesProcessor(t *testing.T) {
	p := &recordingProcessor{}
	r := &InlineRunner{Processor: p}

	if err := r.Run(context.Background(), &Task{DocumentGUID: "doc-1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.guids) != 1 || p.guids[0] != "doc-1" {
		t.Errorf("processor not invoked with GUID: %v", p.guids)
	}
}

func TestInlineRunnerPropagatesError(t *testing.T) {
	want := errors.New("boom")
	r := &InlineRunner{Processor: &recordingProcessor{err: want}}

	if err := r.Run(context.Background(), &Task{DocumentGUID: "doc-2"}); !errors.Is(err, want) {
		t.Errorf("expected processor error, got %v", err)
	}
}

func TestInlineRunnerRejectsEmptyTask(t *testing.T) {
	r := &InlineRunner{Processor: &recordingProcessor{}}

	if err := r.Run(context.Background(), nil); err == nil {
		t.Error("expected error for nil task")
	}
	if err := r.Run(context.Background(), &Task{}); err == nil {
		t.Error("expected error for empty GUID")
	}
}

func TestNewAsynqRunnerValidation(t *testing.T) {
	if _, err := NewAsynqRunner("", "ocr", 0); err == nil {
		t.Error("expected error for missing Redis URL")
	}
	if _, err := NewAsynqRunner("redis://localhost:6379", "", 0); err == nil {
		t.Error("expected error for missing queue name")
	}
	if _, err := NewAsynqRunner("://bad", "ocr", 0); err == nil {
		t.Error("expected error for malformed Redis URL")
	}
}
