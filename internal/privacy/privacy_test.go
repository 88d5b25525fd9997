package privacy

import (
	"context"
	"errors"
	"testing"
)

func TestPolicyDeniesWithoutViewer(t *testing.T) {
	policy := DefaultPolicy()
	op := Operation{Resource: ResourcePatient, Action: ActionRead, OwnerID: "cli_a"}

	err := policy.Eval(context.Background(), op)
	if !errors.Is(err, Deny) {
		t.Fatalf("expected Deny without viewer, got %v", err)
	}
}

func TestPolicyAllowsOwner(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ClinicianID: "cli_a", Role: "clinician"})
	policy := DefaultPolicy()

	ops := []Operation{
		{Resource: ResourcePatient, Action: ActionRead, OwnerID: "cli_a"},
		{Resource: ResourcePatient, Action: ActionWrite, OwnerID: "cli_a"},
		{Resource: ResourceRecord, Action: ActionWrite, OwnerID: "cli_a"},
		// Insert of new rows owned by the viewer.
		{Resource: ResourceRecord, Action: ActionWrite, OwnerID: ""},
	}
	for _, op := range ops {
		if err := policy.Eval(ctx, op); err != nil {
			t.Errorf("expected allow for %s %s owner=%q, got %v", op.Action, op.Resource, op.OwnerID, err)
		}
	}
}

func TestPolicyDeniesCrossOwner(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ClinicianID: "cli_a", Role: "clinician"})
	policy := DefaultPolicy()

	op := Operation{Resource: ResourceRecord, Action: ActionRead, OwnerID: "cli_b"}
	err := policy.Eval(ctx, op)
	if !errors.Is(err, Deny) {
		t.Fatalf("expected Deny for cross-owner read, got %v", err)
	}
}

func TestPolicyDeniesAssistantRecordAccess(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ClinicianID: "cli_a", Role: "assistant"})
	policy := DefaultPolicy()

	if err := policy.Eval(ctx, Operation{Resource: ResourcePatient, Action: ActionWrite, OwnerID: "cli_a"}); err != nil {
		t.Fatalf("assistant should manage patient demographics, got %v", err)
	}

	err := policy.Eval(ctx, Operation{Resource: ResourceRecord, Action: ActionRead, OwnerID: "cli_a"})
	if !errors.Is(err, Deny) {
		t.Fatalf("expected Deny for assistant record read, got %v", err)
	}
}

func TestEmptyPolicyDeniesByDefault(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ClinicianID: "cli_a", Role: "clinician"})
	var policy Policy

	err := policy.Eval(ctx, Operation{Resource: ResourcePatient, Action: ActionRead, OwnerID: "cli_a"})
	if !errors.Is(err, Deny) {
		t.Fatalf("expected default deny from empty policy, got %v", err)
	}
}

func TestRuleChainStopsAtFirstDecision(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ClinicianID: "cli_a", Role: "clinician"})
	evaluated := false
	policy := Policy{
		AllowIfOwner(),
		RuleFunc(func(context.Context, Operation) error {
			evaluated = true
			return Deny
		}),
	}

	if err := policy.Eval(ctx, Operation{Resource: ResourcePatient, Action: ActionRead, OwnerID: "cli_a"}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if evaluated {
		t.Fatal("rules after a terminal decision must not run")
	}
}
