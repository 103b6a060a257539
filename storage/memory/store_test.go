package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/cyp0633/libseries/storage/storetest"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestStore_ApplyChangeSetStampsTimes(t *testing.T) {
	store := New()
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Review", start, recurrence.NewRule(recurrence.Weekly))
	if err := store.ApplyChangeSet(ctx, &storage.ChangeSet{PutTemplates: []*storage.Template{tpl}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.GetTemplate(ctx, "tpl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Created.Equal(fixed) || !got.Modified.Equal(fixed) {
		t.Errorf("got created %v modified %v, want both %v", got.Created, got.Modified, fixed)
	}

	// A second put keeps Created
	later := fixed.Add(time.Hour)
	store.now = func() time.Time { return later }
	if err := store.ApplyChangeSet(ctx, &storage.ChangeSet{PutTemplates: []*storage.Template{got}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = store.GetTemplate(ctx, "tpl")
	if !got.Created.Equal(fixed) || !got.Modified.Equal(later) {
		t.Errorf("got created %v modified %v", got.Created, got.Modified)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.ApplyChangeSet(ctx, &storage.ChangeSet{DeleteTemplates: []string{"x"}}); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, err := store.AcquireSeriesLock(ctx, "x"); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
