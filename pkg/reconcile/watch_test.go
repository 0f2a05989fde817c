package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestService_Watch(t *testing.T) {
	f := newFixture(t, clusterCollection, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan WatchEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- f.service.Watch(ctx, WatchOptions{Debounce: 50 * time.Millisecond}, func(ev WatchEvent) {
			events <- ev
		})
	}()

	next := func() WatchEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for watch event")
			return WatchEvent{}
		}
	}

	initial := next()
	if initial.Err != nil || initial.Planned == nil || len(initial.Files) != 0 {
		t.Fatalf("initial event = %+v", initial)
	}
	if initial.Planned.Plan.Len() != 5 {
		t.Errorf("initial plan = %v", initial.Planned.Plan.OperationIDs())
	}

	writeFile(t, filepath.Join(f.dir, "vars", "zookeeper", "zookeeper_server.yml"), "heap: 4g\n")

	changed := next()
	if changed.Err != nil || len(changed.Files) == 0 {
		t.Fatalf("change event = %+v", changed)
	}
	if changed.Result != nil {
		t.Error("watch without Apply must not deploy")
	}
	if len(f.exec.calls) != 0 {
		t.Errorf("executed %v", f.exec.calls)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}
