package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ducanh19020217/fall-detection/internal/logger"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	if mgr.GetServiceCount() != 0 {
		t.Errorf("Expected 0 services, got %d", mgr.GetServiceCount())
	}
	if mgr.GetEventBus() == nil {
		t.Error("Event bus should be initialized")
	}
}

func TestManager_Register(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	mgr.Register(&mockService{name: "feed"})
	withEvents := &mockServiceWithEvents{name: "console"}
	mgr.Register(withEvents)

	if mgr.GetServiceCount() != 2 {
		t.Errorf("Expected 2 services, got %d", mgr.GetServiceCount())
	}
	status := mgr.GetServiceStatus("feed")
	if status == nil || status.GetStatus() != StatusStopped {
		t.Fatalf("Expected stopped status for registered service, got %v", status)
	}
	if withEvents.eventBus == nil {
		t.Error("Event bus should be set for service with events")
	}
}

func TestManager_Start(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	svc := &mockService{name: "feed"}
	mgr.Register(svc)

	started := mgr.GetEventBus().Subscribe(EventTypeServiceStarted)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !mgr.GetServiceStatus("feed").IsRunning() {
		t.Error("Service should be running")
	}

	select {
	case ev := <-started:
		if ev.Data["service"] != "feed" {
			t.Errorf("Expected started event for feed, got %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Started event not published")
	}
}

func TestManager_Start_ServiceError(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "web", startError: errors.New("address in use")})
	mgr.Register(&mockService{name: "feed"})

	err := mgr.Start(context.Background())
	if err == nil {
		t.Fatal("Start should report the failing service")
	}

	if mgr.GetServiceStatus("web").GetStatus() != StatusError {
		t.Errorf("Expected web in error, got %s", mgr.GetServiceStatus("web").GetStatus())
	}
	if !mgr.GetServiceStatus("feed").IsRunning() {
		t.Error("A failing service must not prevent the others from starting")
	}
}

func TestManager_Shutdown_ReverseOrder(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())

	var mu sync.Mutex
	var stopOrder []string
	for _, name := range []string{"service-1", "service-2", "service-3"} {
		name := name
		mgr.Register(&mockService{
			name: name,
			onStop: func() {
				mu.Lock()
				stopOrder = append(stopOrder, name)
				mu.Unlock()
			},
		})
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := []string{"service-3", "service-2", "service-1"}
	if len(stopOrder) != len(want) {
		t.Fatalf("Expected %d services stopped, got %d", len(want), len(stopOrder))
	}
	for i := range want {
		if stopOrder[i] != want[i] {
			t.Errorf("Stop %d: expected %s, got %s", i, want[i], stopOrder[i])
		}
	}
	for _, name := range want {
		if mgr.GetServiceStatus(name).GetStatus() != StatusStopped {
			t.Errorf("%s should be stopped", name)
		}
	}
}

func TestManager_Shutdown_Timeout(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "slow-service", stopDelay: 2 * time.Second})

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err == nil {
		t.Error("Shutdown should timeout and return error")
	}
}

type mockService struct {
	name       string
	startError error
	stopDelay  time.Duration
	onStop     func()
}

func (m *mockService) Name() string {
	return m.name
}

func (m *mockService) Start(ctx context.Context) error {
	return m.startError
}

func (m *mockService) Stop(ctx context.Context) error {
	if m.stopDelay > 0 {
		time.Sleep(m.stopDelay)
	}
	if m.onStop != nil {
		m.onStop()
	}
	return nil
}

type mockServiceWithEvents struct {
	name     string
	eventBus *EventBus
}

func (m *mockServiceWithEvents) Name() string {
	return m.name
}

func (m *mockServiceWithEvents) Start(ctx context.Context) error {
	return nil
}

func (m *mockServiceWithEvents) Stop(ctx context.Context) error {
	return nil
}

func (m *mockServiceWithEvents) SetEventBus(bus *EventBus) {
	m.eventBus = bus
}
