package static

import (
	"context"
	"testing"
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

func TestProvider_CreateReadDelete(t *testing.T) {
	p := New("static")
	ctx := context.Background()

	created, err := p.Create(ctx, engine.CreateRequest{
		Type:       "static.Item",
		Name:       "alpha",
		Attributes: map[string]any{"size": 3},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ProviderID == "" {
		t.Fatal("Expected a provider ID")
	}
	if created.Outputs["size"] != 3 {
		t.Errorf("Expected size output echoed, got %v", created.Outputs["size"])
	}
	if created.Outputs["id"] != created.ProviderID {
		t.Errorf("Expected id output to match provider ID")
	}

	read, err := p.Read(ctx, engine.ReadRequest{Type: "static.Item", ProviderID: created.ProviderID})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if read.Resource == nil {
		t.Fatal("Expected resource to exist")
	}

	if err := p.Delete(ctx, engine.DeleteRequest{Type: "static.Item", ProviderID: created.ProviderID}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	read, err = p.Read(ctx, engine.ReadRequest{Type: "static.Item", ProviderID: created.ProviderID})
	if err != nil {
		t.Fatalf("Read after delete failed: %v", err)
	}
	if read.Resource != nil {
		t.Error("Expected resource to be gone after delete")
	}

	// Deleting an absent resource is not an error.
	if err := p.Delete(ctx, engine.DeleteRequest{Type: "static.Item", ProviderID: created.ProviderID}); err != nil {
		t.Errorf("Delete of absent resource should succeed, got: %v", err)
	}
}

func TestProvider_ReadByName(t *testing.T) {
	p := New("static")
	ctx := context.Background()

	created, err := p.Create(ctx, engine.CreateRequest{Type: "static.Item", Name: "beta"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	read, err := p.Read(ctx, engine.ReadRequest{Type: "static.Item", Name: "beta"})
	if err != nil {
		t.Fatalf("Read by name failed: %v", err)
	}
	if read.Resource == nil || read.Resource.ProviderID != created.ProviderID {
		t.Errorf("Expected lookup by name to find %s", created.ProviderID)
	}
}

func TestProvider_IdempotentCreate(t *testing.T) {
	p := New("static", WithIdempotencyTokens())
	ctx := context.Background()

	if !p.Capabilities().IdempotencyTokens {
		t.Fatal("Expected idempotency tokens capability")
	}

	req := engine.CreateRequest{
		Type:             "static.Item",
		Name:             "gamma",
		IdempotencyToken: "token-1",
	}
	first, err := p.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := p.Create(ctx, req)
	if err != nil {
		t.Fatalf("Retried create failed: %v", err)
	}
	if first.ProviderID != second.ProviderID {
		t.Errorf("Retried create with same token made a duplicate: %s vs %s",
			first.ProviderID, second.ProviderID)
	}
	if p.Len() != 1 {
		t.Errorf("Expected 1 resource, got %d", p.Len())
	}
}

func TestProvider_FailureInjection(t *testing.T) {
	p := New("static")
	ctx := context.Background()

	injected := engine.NewTransientError("simulated outage", nil)
	p.FailNext("create", "static.Item.delta", 2, injected)

	req := engine.CreateRequest{Type: "static.Item", Name: "delta"}
	for i := 0; i < 2; i++ {
		if _, err := p.Create(ctx, req); err == nil {
			t.Fatalf("Expected injected failure on attempt %d", i+1)
		}
	}
	if _, err := p.Create(ctx, req); err != nil {
		t.Fatalf("Expected success after failures exhausted, got: %v", err)
	}
}

func TestProvider_WaitReadiness(t *testing.T) {
	p := New("static", WithReadinessPolling())
	ctx := context.Background()

	created, err := p.Create(ctx, engine.CreateRequest{Type: "static.Item", Name: "eps"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	p.SetReadyAfter(created.ProviderID, 20*time.Millisecond)

	start := time.Now()
	if err := p.Wait(ctx, engine.WaitRequest{Type: "static.Item", ProviderID: created.ProviderID}); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Expected Wait to block until readiness")
	}

	// Cancelled context aborts the wait.
	p.SetReadyAfter(created.ProviderID, time.Hour)
	cancelled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(cancelled, engine.WaitRequest{Type: "static.Item", ProviderID: created.ProviderID}); err == nil {
		t.Error("Expected Wait to fail on cancelled context")
	}
}
