package system

import (
	"context"
	"errors"
	"testing"
)

type fakeService struct {
	name      string
	startErr  error
	stopErr   error
	started   *[]string
	stopCalls *[]string
}

func (f fakeService) Name() string { return f.name }

func (f fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.started = append(*f.started, f.name)
	return nil
}

func (f fakeService) Stop(ctx context.Context) error {
	*f.stopCalls = append(*f.stopCalls, f.name)
	return f.stopErr
}

func TestStartAll_StartsEveryServiceInOrder(t *testing.T) {
	var started, stopped []string
	services := []Service{
		fakeService{name: "a", started: &started, stopCalls: &stopped},
		fakeService{name: "b", started: &started, stopCalls: &stopped},
	}

	if err := StartAll(context.Background(), services); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(started) != 2 || started[0] != "a" || started[1] != "b" {
		t.Fatalf("unexpected start order: %v", started)
	}
}

func TestStartAll_StopsAlreadyStartedOnFailure(t *testing.T) {
	var started, stopped []string
	services := []Service{
		fakeService{name: "a", started: &started, stopCalls: &stopped},
		fakeService{name: "b", started: &started, stopCalls: &stopped, startErr: errors.New("boom")},
		fakeService{name: "c", started: &started, stopCalls: &stopped},
	}

	err := StartAll(context.Background(), services)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(started) != 1 || started[0] != "a" {
		t.Fatalf("expected only a to start, got %v", started)
	}
	if len(stopped) != 1 || stopped[0] != "a" {
		t.Fatalf("expected a to be stopped on rollback, got %v", stopped)
	}
}

func TestStopAll_CollectsAllFailuresWithoutShortCircuiting(t *testing.T) {
	var started, stopped []string
	services := []Service{
		fakeService{name: "a", started: &started, stopCalls: &stopped, stopErr: errors.New("stuck")},
		fakeService{name: "b", started: &started, stopCalls: &stopped},
		fakeService{name: "c", started: &started, stopCalls: &stopped, stopErr: errors.New("stuck too")},
	}

	err := StopAll(context.Background(), services)
	if err == nil {
		t.Fatal("expected combined error, got nil")
	}
	if len(stopped) != 3 {
		t.Fatalf("expected all 3 services stopped despite failures, got %v", stopped)
	}
}
