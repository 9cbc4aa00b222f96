package resolver

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMaxWindow(t *testing.T) {
	cases := []struct {
		level TrustLevel
		want  time.Duration
	}{
		{TrustNone, 0},
		{TrustBasic, 24 * time.Hour},
		{TrustVerified, 30 * 24 * time.Hour},
		{TrustSystem, 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := MaxWindow(tc.level); got != tc.want {
			t.Fatalf("MaxWindow(%s): expected %s got %s", tc.level, tc.want, got)
		}
	}
}

func TestRegistry_BindAndLookup(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Lookup("ghost"); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}

	capA := NewBoolCapability("yesno")
	reg.Bind("res-1", capA)

	got, err := reg.Lookup("res-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != Capability(capA) {
		t.Fatal("lookup returned wrong capability")
	}

	capB := NewBoolCapability("other")
	reg.Bind("res-1", capB)
	got, err = reg.Lookup("res-1")
	if err != nil {
		t.Fatalf("lookup after rebind: %v", err)
	}
	if got != Capability(capB) {
		t.Fatal("rebind did not replace capability")
	}
}

func TestBoolCapability(t *testing.T) {
	c := NewBoolCapability("yesno")
	ctx := context.Background()

	if !c.IsValidTemplate("yesno") {
		t.Fatal("expected yesno to be valid")
	}
	if c.IsValidTemplate("essay") {
		t.Fatal("expected essay to be invalid")
	}

	kind, err := c.AnswerKind("yesno")
	if err != nil || kind != KindBoolean {
		t.Fatalf("expected boolean kind, got %s (%v)", kind, err)
	}
	if _, err := c.AnswerKind("essay"); err == nil {
		t.Fatal("expected error for unknown template")
	}

	st, err := c.ValidateAndOpen(ctx, "u1", "yesno", []byte("claim"), "acct-1")
	if err != nil || st != InitialActive {
		t.Fatalf("expected active open, got %s (%v)", st, err)
	}
	if _, err := c.ValidateAndOpen(ctx, "u1", "yesno", nil, "acct-1"); err == nil {
		t.Fatal("expected error for empty payload")
	}

	pendingCap := NewBoolCapability("yesno").WithInitialState(InitialPending)
	st, err = pendingCap.ValidateAndOpen(ctx, "u1", "yesno", []byte("claim"), "acct-1")
	if err != nil || st != InitialPending {
		t.Fatalf("expected pending open, got %s (%v)", st, err)
	}

	if _, err := c.ComputeAnswer(ctx, "u1", "acct-1", []byte("claim")); err == nil {
		t.Fatal("expected error for unseeded payload")
	}
	c.Seed("claim", true)
	got, err := c.ComputeAnswer(ctx, "u1", "acct-1", []byte("claim"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
}
