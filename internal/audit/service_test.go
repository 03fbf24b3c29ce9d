package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"security-core/internal/security"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)
}

func actor() security.ActorContext {
	return security.ActorContext{Tenant: "t1", UserID: "u1", IPAddress: "10.0.0.5", UserAgent: "UA"}
}

func TestService_RequiresTenantAndKnownAction(t *testing.T) {
	svc := NewService(NewMemoryRepo()).WithClock(fixedClock)

	if _, err := svc.LogAction(context.Background(), security.ActorContext{}, security.ActionCreate, security.Subject{}, nil); err == nil {
		t.Fatalf("expected tenant error")
	}
	_, err := svc.LogAction(context.Background(), actor(), security.AuditAction("teleport"), security.Subject{}, nil)
	if !security.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_VerifyAfterCreate(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo).WithClock(fixedClock)

	e, err := svc.LogAction(context.Background(), actor(), security.ActionUpdate,
		security.Subject{ModelName: "inventory.item", ObjectID: "42"},
		security.Details{"price": map[string]any{"old": 10, "new": 12}},
	)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(e.Checksum) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(e.Checksum))
	}
	if !svc.Verify(e) {
		t.Fatalf("expected fresh entry to verify")
	}
	stored, err := repo.Get(context.Background(), "t1", e.ID)
	if err != nil || !VerifyIntegrity(stored) {
		t.Fatalf("expected stored entry to verify, err=%v", err)
	}
	if e.CreatedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond precision timestamp")
	}
}

func TestVerifyIntegrity_DetectsMutation(t *testing.T) {
	svc := NewService(NewMemoryRepo()).WithClock(fixedClock)
	e, err := svc.LogAction(context.Background(), actor(), security.ActionUpdate,
		security.Subject{ModelName: "inventory.item", ObjectID: "42"},
		security.Details{"qty": 1},
	)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	mutations := map[string]func(*security.AuditLog){
		"changes":    func(x *security.AuditLog) { x.Changes = security.Details{"qty": 2} },
		"action":     func(x *security.AuditLog) { x.Action = security.ActionDelete },
		"model_name": func(x *security.AuditLog) { x.ModelName = "accounting.invoice" },
		"object_id":  func(x *security.AuditLog) { x.ObjectID = "43" },
		"ip_address": func(x *security.AuditLog) { x.IPAddress = "10.0.0.6" },
		"user_id":    func(x *security.AuditLog) { x.UserID = "u2" },
		"timestamp":  func(x *security.AuditLog) { x.CreatedAt = x.CreatedAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		cp := e
		mutate(&cp)
		if VerifyIntegrity(cp) {
			t.Fatalf("expected mutation of %s to fail verification", name)
		}
	}

	// fields outside the checksum payload do not affect verification
	cp := e
	cp.UserAgent = "other"
	if !VerifyIntegrity(cp) {
		t.Fatalf("user agent is not covered by the checksum")
	}
}

func TestVerifyIntegrity_NeverPanicsOnGarbage(t *testing.T) {
	if VerifyIntegrity(security.AuditLog{}) {
		t.Fatalf("empty entry must not verify")
	}
	bad := security.AuditLog{Checksum: "zz", Changes: security.Details{"ch": make(chan int)}}
	if VerifyIntegrity(bad) {
		t.Fatalf("unencodable entry must not verify")
	}
}

func TestChecksum_CanonicalPayload(t *testing.T) {
	e := security.AuditLog{
		Action:    security.ActionLogin,
		Subject:   security.Subject{ModelName: "auth.user", ObjectID: "7"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC),
	}
	raw, err := CanonicalJSON(checksumPayload(e))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"action":"login","changes":{},"ip_address":null,"model_name":"auth.user","object_id":"7","timestamp":"2024-01-02T03:04:05.000006Z","user_id":null}`
	if string(raw) != want {
		t.Fatalf("canonical payload mismatch\n got: %s\nwant: %s", raw, want)
	}
}

func TestChecksum_StableAcrossJSONNumberRoundTrip(t *testing.T) {
	svc := NewService(NewMemoryRepo()).WithClock(fixedClock)
	e, err := svc.Prepare(actor(), security.ActionPayment, security.Subject{ModelName: "pos.payment", ObjectID: "p1"},
		security.Details{"amount": 1250, "ratio": 0.5, "note": "<ok> & done"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	raw, _ := json.Marshal(e.Changes)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var back map[string]any
	if err := dec.Decode(&back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	e.Changes = back
	if !VerifyIntegrity(e) {
		t.Fatalf("expected checksum to survive a json round trip")
	}
}

func TestService_VerifyAllReportsTampered(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo).WithClock(fixedClock)
	for i := 0; i < 3; i++ {
		if _, err := svc.LogAction(context.Background(), actor(), security.ActionRead, security.Subject{ModelName: "m", ObjectID: "o"}, nil); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	repo.mu.Lock()
	repo.entries[1].ObjectID = "forged"
	tampered := repo.entries[1].ID
	repo.mu.Unlock()

	rep, err := svc.VerifyAll(context.Background(), "t1", Filter{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rep.Checked != 3 || len(rep.Tampered) != 1 || rep.Tampered[0] != tampered {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestMemoryRepo_TenantIsolation(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo).WithClock(fixedClock)
	e, _ := svc.LogAction(context.Background(), actor(), security.ActionRead, security.Subject{}, nil)

	if _, err := repo.Get(context.Background(), "t2", e.ID); err == nil {
		t.Fatalf("expected not found across tenants")
	}
	rows, _ := repo.List(context.Background(), "t2", Filter{})
	if len(rows) != 0 {
		t.Fatalf("expected no rows for other tenant")
	}
}
