package realtime

import "github.com/lsmic/dispatch/internal/core/domain"

// Operation names a gated mutation class.
type Operation string

const (
	OpUpdateSelf   Operation = "updateSelf"
	OpUpdateOther  Operation = "updateOther"
	OpUpdateMulti  Operation = "updateMulti"
	OpStartPatrol  Operation = "startPatrol"
	OpDeleteUser   Operation = "deleteUser"
	OpWriteCatalog Operation = "writeCatalog"
	OpWriteInfos   Operation = "writeInfos"
)

// Allow decides whether an identity may perform op against the target user.
// Self-scoped mutations require the target to be the caller; everything that
// reaches beyond the caller's own record requires the admin claim. Patrol
// assignment is open to any authenticated session: it is the core operator
// workflow and admins are not always on shift.
//
// A denial is a silent drop at the protocol level: no mutation, no
// broadcast, no error frame.
func Allow(identity domain.Identity, op Operation, targetUserID string) bool {
	switch op {
	case OpUpdateSelf:
		return identity.UserID == targetUserID
	case OpStartPatrol:
		return true
	case OpUpdateOther, OpUpdateMulti, OpDeleteUser, OpWriteCatalog, OpWriteInfos:
		return identity.IsAdmin
	default:
		return false
	}
}
