package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/sst"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// A channel to signal when OnEvent is called, for async tests.
	callSignal chan string
	// A slice to record the order of calls, for sync tests.
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	// A function to be executed inside OnEvent, for payload modification tests.
	onEventFunc func(event HookEvent)
	workDelay   time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }

func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	if manager == nil {
		t.Fatal("NewHookManager returned nil")
	}
	defaultManager, ok := manager.(*DefaultHookManager)
	if !ok {
		t.Fatalf("NewHookManager did not return a *DefaultHookManager")
	}
	if defaultManager.listeners == nil {
		t.Error("Expected listeners map to be initialized, but it was nil")
	}
	if defaultManager.logger == nil {
		t.Error("Expected logger to be initialized, but it was nil")
	}
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPreWrite, &mockListener{name: "listener1", priority: 10})
	manager.Register(EventPreWrite, &mockListener{name: "listener2", priority: 1})
	manager.Register(EventPreWrite, &mockListener{name: "listener3", priority: 5})
	manager.Register(EventPreWrite, &mockListener{name: "listener4", priority: 5})

	listeners := manager.listeners[EventPreWrite]
	if len(listeners) != 4 {
		t.Fatalf("Expected 4 listeners to be registered, got %d", len(listeners))
	}
	want := []string{"listener2", "listener3", "listener4", "listener1"}
	for i, name := range want {
		if got := listeners[i].listener.(*mockListener).name; got != name {
			t.Errorf("position %d: got %s, want %s", i, got, name)
		}
	}
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("PreHook", func(t *testing.T) {
		t.Run("should execute in priority order synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)

			manager.Register(EventPreWrite, &mockListener{name: "listener1", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreWrite, &mockListener{name: "listener2", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreWrite, &mockListener{name: "listener3", priority: 5, callOrder: &callOrder})

			if err := manager.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{Region: "cpu"})); err != nil {
				t.Fatalf("Trigger returned an unexpected error: %v", err)
			}

			expectedOrder := []string{"listener2", "listener3", "listener1"}
			if len(callOrder) != len(expectedOrder) {
				t.Fatalf("Expected %d listeners to be called, but %d were", len(expectedOrder), len(callOrder))
			}
			for i, name := range expectedOrder {
				if callOrder[i] != name {
					t.Errorf("Call order mismatch at index %d. Got %s, want %s", i, callOrder[i], name)
				}
			}
		})

		t.Run("should stop execution and return error on failure", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			rejected := errors.New("rejected")

			manager.Register(EventPreWrite, &mockListener{name: "p10", priority: 10, callOrder: &callOrder})
			manager.Register(EventPreWrite, &mockListener{name: "p1", priority: 1, callOrder: &callOrder})
			manager.Register(EventPreWrite, &mockListener{name: "p5_err", priority: 5, callOrder: &callOrder, returnErr: rejected})

			err := manager.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{}))
			if !errors.Is(err, rejected) {
				t.Fatalf("Trigger returned wrong error. Got %v, want %v", err, rejected)
			}
			if len(callOrder) != 2 {
				t.Fatalf("Expected 2 listeners to be called, got %v", callOrder)
			}
		})

		t.Run("should allow request modification", func(t *testing.T) {
			manager := NewHookManager(nil)
			manager.Register(EventPreAlter, &mockListener{
				name:     "modifier",
				priority: 1,
				onEventFunc: func(event HookEvent) {
					if p, ok := event.Payload().(AlterPayload); ok {
						p.Request.DropColumns = nil
					}
				},
			})

			req := &metadata.AlterRequest{DropColumns: []string{"v0"}}
			if err := manager.Trigger(context.Background(), NewPreAlterEvent(AlterPayload{Region: "cpu", Request: req})); err != nil {
				t.Fatalf("Trigger returned an unexpected error: %v", err)
			}
			if req.DropColumns != nil {
				t.Errorf("Expected the request to be modified, got %v", req.DropColumns)
			}
		})

		t.Run("should ignore async flag and run synchronously", func(t *testing.T) {
			manager := NewHookManager(nil)
			callOrder := make([]string, 0)
			manager.Register(EventPreFlush, &mockListener{name: "pre_async", priority: 1, isAsync: true, callOrder: &callOrder})

			if err := manager.Trigger(context.Background(), NewPreFlushEvent(PreFlushPayload{})); err != nil {
				t.Fatalf("Trigger returned an unexpected error: %v", err)
			}
			if len(callOrder) != 1 || callOrder[0] != "pre_async" {
				t.Errorf("Expected pre-hook to run synchronously despite async flag. Call order: %v", callOrder)
			}
		})
	})

	t.Run("PostHook", func(t *testing.T) {
		t.Run("should execute async and sync listeners correctly", func(t *testing.T) {
			manager := NewHookManager(nil)
			signalChan := make(chan string, 1)
			callOrder := make([]string, 0)

			manager.Register(EventPostFlush, &mockListener{name: "async", priority: 10, isAsync: true, callSignal: signalChan})
			manager.Register(EventPostFlush, &mockListener{name: "sync", priority: 1, callOrder: &callOrder})

			if err := manager.Trigger(context.Background(), NewPostFlushEvent(PostFlushPayload{Region: "cpu"})); err != nil {
				t.Fatalf("Trigger returned an unexpected error for post-hook: %v", err)
			}
			if len(callOrder) != 1 || callOrder[0] != "sync" {
				t.Errorf("Expected synchronous listener to be called immediately. Got call order: %v", callOrder)
			}

			select {
			case name := <-signalChan:
				if name != "async" {
					t.Errorf("Received signal from wrong listener. Got %s", name)
				}
			case <-time.After(time.Second):
				t.Fatal("Timed out waiting for async listener to be called")
			}
			manager.Stop()
		})

		t.Run("should not return error from sync listener and continue execution", func(t *testing.T) {
			manager := NewHookManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
			callOrder := make([]string, 0)

			manager.Register(EventPostWrite, &mockListener{name: "p1_err", priority: 1, callOrder: &callOrder, returnErr: errors.New("post hook error")})
			manager.Register(EventPostWrite, &mockListener{name: "p5", priority: 5, callOrder: &callOrder})

			if err := manager.Trigger(context.Background(), NewPostWriteEvent(PostWritePayload{})); err != nil {
				t.Fatalf("Trigger should not return error for post-hook failures, but got: %v", err)
			}
			if len(callOrder) != 2 {
				t.Fatalf("Expected all listeners to be called. Called: %v", callOrder)
			}
		})

		t.Run("async listener survives caller cancellation", func(t *testing.T) {
			manager := NewHookManager(nil)
			var sawCancel atomic.Bool
			manager.Register(EventPostManifestUpdate, asyncCtxProbe(func(ctx context.Context) {
				time.Sleep(10 * time.Millisecond)
				sawCancel.Store(ctx.Err() != nil)
			}))

			ctx, cancel := context.WithCancel(context.Background())
			_ = manager.Trigger(ctx, NewPostManifestUpdateEvent(ManifestUpdatePayload{Region: "cpu", Version: 3}))
			cancel()
			manager.Stop()
			if sawCancel.Load() {
				t.Error("async listener observed the caller's cancellation")
			}
		})
	})

	t.Run("should do nothing for event with no listeners", func(t *testing.T) {
		manager := NewHookManager(slog.New(slog.NewJSONHandler(io.Discard, nil)))
		if err := manager.Trigger(context.Background(), NewPreWriteEvent(PreWritePayload{})); err != nil {
			t.Fatalf("Trigger returned an unexpected error when no listeners are registered: %v", err)
		}
	})
}

type asyncCtxProbe func(ctx context.Context)

func (p asyncCtxProbe) OnEvent(ctx context.Context, _ HookEvent) error {
	p(ctx)
	return nil
}
func (asyncCtxProbe) Priority() int { return 2 }
func (asyncCtxProbe) IsAsync() bool { return true }

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var listenerCompleted atomic.Bool
	delay := 50 * time.Millisecond

	manager.Register(EventPostWALReplay, &mockListener{
		name:      "slow_async_listener",
		priority:  1,
		isAsync:   true,
		workDelay: delay,
		onEventFunc: func(event HookEvent) {
			listenerCompleted.Store(true)
		},
	})
	_ = manager.Trigger(context.Background(), NewPostWALReplayEvent(PostWALReplayPayload{Region: "cpu"}))

	startTime := time.Now()
	manager.Stop()
	if time.Since(startTime) < delay/2 {
		t.Errorf("Stop() returned too quickly")
	}
	if !listenerCompleted.Load() {
		t.Error("Listener did not complete its work before Stop() returned")
	}
}

func TestPostFlushPayload_BytesWritten(t *testing.T) {
	p := PostFlushPayload{Files: []sst.FileMeta{{FileSize: 100}, {FileSize: 28}}}
	if got := p.BytesWritten(); got != 128 {
		t.Errorf("BytesWritten() = %d, want 128", got)
	}
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreWrite, &mockListener{name: "l", priority: i})
	}
	event := NewPreWriteEvent(PreWritePayload{})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
