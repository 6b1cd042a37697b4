package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	triggers []string
	fired    chan string
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan string, 16)}
}

func (r *recorder) job(ctx context.Context, trigger string) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
	select {
	case r.fired <- trigger:
	default:
	}
}

func (r *recorder) wait(t *testing.T, want string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case got := <-r.fired:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %q run within %v", want, within)
		}
	}
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Options{Spec: "0 0 10 * * *"}, nil); err == nil {
		t.Error("expected error for nil job")
	}
	if _, err := NewService(Options{Spec: "0 10 * * *"}, newRecorder().job); err == nil {
		t.Error("expected error for five-field spec")
	}
	if _, err := NewService(Options{Spec: "not a spec"}, newRecorder().job); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestService_StartupRun(t *testing.T) {
	rec := newRecorder()
	s, err := NewService(Options{Spec: "0 0 10 * * *", StartupDelay: 10 * time.Millisecond}, rec.job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	rec.wait(t, TriggerStartup, 2*time.Second)
}

func TestService_StartupRunDisabled(t *testing.T) {
	rec := newRecorder()
	s, err := NewService(Options{Spec: "0 0 10 * * *", StartupDelay: -1}, rec.job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.triggers) != 0 {
		t.Errorf("triggers = %v, want none", rec.triggers)
	}
}

func TestService_ScheduledRun(t *testing.T) {
	rec := newRecorder()
	s, err := NewService(Options{Spec: "* * * * * *", StartupDelay: -1}, rec.job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	rec.wait(t, TriggerSchedule, 3*time.Second)
}

func TestService_StopCancelsPendingStartup(t *testing.T) {
	rec := newRecorder()
	s, err := NewService(Options{Spec: "0 0 10 * * *", StartupDelay: time.Hour}, rec.job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if !s.Next().IsZero() {
		t.Error("Next should be zero after Stop")
	}
}

func TestService_StopCancelsRunningJob(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})
	job := func(ctx context.Context, trigger string) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}
	s, err := NewService(Options{Spec: "0 0 10 * * *", StartupDelay: 0}, job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("startup run did not begin")
	}

	s.Stop()
	if !cancelled.Load() {
		t.Error("running job should observe cancellation before Stop returns")
	}
}

func TestService_StartTwice(t *testing.T) {
	s, err := NewService(Options{Spec: "0 0 10 * * *", StartupDelay: -1}, newRecorder().job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestService_NextUsesLocation(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s, err := NewService(Options{Spec: "0 0 10 * * *", Location: rome, StartupDelay: -1}, newRecorder().job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if !s.Next().IsZero() {
		t.Error("Next should be zero before Start")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	next := s.Next().In(rome)
	if next.Hour() != 10 || next.Minute() != 0 || next.Second() != 0 {
		t.Errorf("next = %v, want 10:00:00 Rome time", next)
	}
	if !next.After(time.Now()) {
		t.Errorf("next = %v should be in the future", next)
	}
}

func TestService_StopWithoutStart(t *testing.T) {
	s, err := NewService(Options{Spec: "@daily"}, newRecorder().job)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	s.Stop()
}
