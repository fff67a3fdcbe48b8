package mcp

import (
	"encoding/json"
	"testing"
)

func TestPendingTableResumeSuccess(t *testing.T) {
	table := NewPendingTable()
	id := NewIntID(1)
	awaiter, err := table.Add(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go table.ResumeSuccess(id, json.RawMessage(`{"ok":true}`))

	result, err := awaiter.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestPendingTableDuplicateAddRejected(t *testing.T) {
	table := NewPendingTable()
	id := NewIntID(1)
	if _, err := table.Add(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := table.Add(id); err == nil {
		t.Fatal("expected error adding duplicate id")
	}
}

func TestPendingTableDrainAll(t *testing.T) {
	table := NewPendingTable()
	a1, _ := table.Add(NewIntID(1))
	a2, _ := table.Add(NewIntID(2))

	table.DrainAll(NewError(ErrConnectionClosed, "closed"))

	if _, err := a1.Wait(); !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := a2.Wait(); !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table after drain, got %d", table.Len())
	}
}

func TestPendingTableResumeUnknownIsNoop(t *testing.T) {
	table := NewPendingTable()
	table.ResumeSuccess(NewIntID(99), json.RawMessage(`{}`))
}

func TestPendingTableRemoveTakesOwnership(t *testing.T) {
	table := NewPendingTable()
	id := NewIntID(1)
	awaiter, _ := table.Add(id)

	taken, ok := table.Remove(id)
	if !ok || taken != awaiter {
		t.Fatal("expected Remove to return the same awaiter")
	}
	if _, ok := table.Remove(id); ok {
		t.Fatal("expected second Remove to report absent")
	}
}
