package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/clawherd/internal/registry"
)

func TestReservePort_ConflictAndIdempotence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	srv := testServer(t, store)

	if err := store.ReservePort(ctx, srv.ID, 18789, "main"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Same slug again is a no-op.
	if err := store.ReservePort(ctx, srv.ID, 18789, "main"); err != nil {
		t.Fatalf("re-reserve same slug: %v", err)
	}
	// Another slug conflicts.
	if err := store.ReservePort(ctx, srv.ID, 18789, "other"); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	owner, err := store.PortOwner(ctx, srv.ID, 18789)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "main" {
		t.Fatalf("expected owner main, got %q", owner)
	}

	if err := store.ReleasePort(ctx, srv.ID, 18789); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.PortOwner(ctx, srv.ID, 18789); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected released, got %v", err)
	}
	// Double release is fine.
	if err := store.ReleasePort(ctx, srv.ID, 18789); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestListPorts_Ordered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	srv := testServer(t, store)

	for _, p := range []int{18791, 18789, 18790} {
		if err := store.ReservePort(ctx, srv.ID, p, "x"); err != nil {
			t.Fatalf("reserve %d: %v", p, err)
		}
	}
	ports, err := store.ListPorts(ctx, srv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ports) != 3 || ports[0].Port != 18789 || ports[2].Port != 18791 {
		t.Fatalf("unexpected ports: %+v", ports)
	}
}

func TestEvents_AppendAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, "main", "discovered", "found via directory scan", `{"port":18789}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(ctx, "other", "state_changed", "running -> stopped", ""); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	events, err := store.ListEvents(ctx, "main", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Type != "discovered" {
		t.Fatalf("unexpected events: %+v", events)
	}

	all, err := store.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
}

func TestBlueprints_CRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	bp := &registry.Blueprint{Slug: "research-team", Name: "Research Team"}
	if err := store.CreateBlueprint(ctx, bp); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateBlueprint(ctx, &registry.Blueprint{Slug: "research-team"}); !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := store.GetBlueprintBySlug(ctx, "research-team")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Research Team" {
		t.Fatalf("unexpected blueprint: %+v", got)
	}

	seedAgents(t, store, registry.BlueprintParent(bp.ID), "main", "pm")
	if err := store.DeleteBlueprint(ctx, bp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM agents;").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected blueprint agents cascaded, got %d", count)
	}
}
