package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	log      *[]string
	startErr error
}

func (r recordingService) Name() string { return r.name }

func (r recordingService) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.log = append(*r.log, "start:"+r.name)
	return nil
}

func (r recordingService) Stop(context.Context) error {
	*r.log = append(*r.log, "stop:"+r.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	for _, name := range []string{"a", "b"} {
		if err := m.Register(recordingService{name: name, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Register(recordingService{name: "a", log: &log}); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("unexpected log %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unexpected log %v", log)
		}
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", log: &log})
	_ = m.Register(recordingService{name: "b", log: &log, startErr: errors.New("boom")})

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if len(log) != 2 || log[1] != "stop:a" {
		t.Fatalf("expected a to be stopped, got %v", log)
	}
}
