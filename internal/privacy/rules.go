package privacy

import (
	"context"

	"prontuario/api/internal/rbac"
)

// DenyIfNoViewer rejects any operation evaluated without an authenticated
// viewer in the context. Used as the first rule of every policy.
func DenyIfNoViewer() Rule {
	return RuleFunc(func(ctx context.Context, _ Operation) error {
		if _, ok := ViewerFromContext(ctx); !ok {
			return Denyf("privacy: viewer required")
		}
		return Skip
	})
}

// DenyRoleWithoutAction rejects operations the viewer's role cannot perform,
// mapping resource/action pairs onto the rbac matrix.
func DenyRoleWithoutAction() Rule {
	return RuleFunc(func(ctx context.Context, op Operation) error {
		viewer, ok := ViewerFromContext(ctx)
		if !ok {
			return Skip
		}
		if !rbac.Can(rbac.Normalize(viewer.Role), requiredAction(op)) {
			return Denyf("privacy: role %s may not %s %s", viewer.Role, op.Action, op.Resource)
		}
		return Skip
	})
}

// AllowIfOwner permits the operation when the target rows belong to the
// viewer, or when the operation creates rows that will be stamped with the
// viewer as owner. Anything else is left to later rules, which in the
// default policies means denial.
func AllowIfOwner() Rule {
	return RuleFunc(func(ctx context.Context, op Operation) error {
		viewer, ok := ViewerFromContext(ctx)
		if !ok {
			return Skip
		}
		if op.OwnerID == "" || op.OwnerID == viewer.ClinicianID {
			return Allowf("privacy: viewer owns target rows")
		}
		return Skip
	})
}

func requiredAction(op Operation) rbac.Action {
	switch op.Resource {
	case ResourcePatient:
		if op.Action == ActionWrite {
			return rbac.ActionWritePatients
		}
		return rbac.ActionReadPatients
	default:
		// Clinical records and their attachments share the stricter
		// record actions.
		if op.Action == ActionWrite {
			return rbac.ActionWriteRecords
		}
		return rbac.ActionReadRecords
	}
}

// DefaultPolicy is the chain every data operation runs through: a viewer
// must be present, their role must permit the access mode, and the target
// rows must be their own.
func DefaultPolicy() Policy {
	return Policy{
		DenyIfNoViewer(),
		DenyRoleWithoutAction(),
		AllowIfOwner(),
	}
}
