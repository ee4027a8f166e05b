package async

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/derivkit/derivws/errs"
)

func TestRunnerReportsTaskFailures(t *testing.T) {
	var mu sync.Mutex
	var got []error
	r := NewRunner("derivws", func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})

	boom := errors.New("boom")
	r.Go("process response", func(context.Context) error { return boom })
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one reported failure, got %d", len(got))
	}
	if !errs.IsCode(got[0], errs.CodeAddedTask) {
		t.Fatalf("expected added_task envelope, got %v", got[0])
	}
	if !strings.Contains(got[0].Error(), "derivws:process response") {
		t.Fatalf("expected task tag in error, got %v", got[0])
	}
	if !errors.Is(got[0], boom) {
		t.Fatal("expected original cause to be wrapped")
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	reported := make(chan error, 1)
	r := NewRunner("derivws", func(err error) { reported <- err })

	r.Go("explode", func(context.Context) error { panic("kaboom") })

	select {
	case err := <-reported:
		if !errs.IsCode(err, errs.CodeAddedTask) {
			t.Fatalf("expected added_task envelope, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
	r.Close()
}

func TestRunnerCloseCancelsTasks(t *testing.T) {
	r := NewRunner("derivws", nil)
	started := make(chan struct{})
	stopped := make(chan struct{})

	r.Go("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	<-started
	r.Close()

	select {
	case <-stopped:
	default:
		t.Fatal("Close must wait for tasks to unwind")
	}
}

func TestRunnerSwallowsCancellationErrors(t *testing.T) {
	reported := make(chan error, 1)
	r := NewRunner("derivws", func(err error) { reported <- err })

	r.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.Close()

	select {
	case err := <-reported:
		t.Fatalf("cancellation must not be reported, got %v", err)
	default:
	}
}
