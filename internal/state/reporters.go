package state

import (
	"github.com/google/uuid"
)

// AccessControl holds the admin identity and the reporter allow-list. A
// trigger is accepted from the admin or any allow-listed reporter; all
// other mutating config operations are admin-only. Identity authentication
// itself happens upstream of the core.
type AccessControl struct {
	admin     uuid.UUID
	reporters map[uuid.UUID]struct{}
}

func NewAccessControl(admin uuid.UUID) *AccessControl {
	return &AccessControl{
		admin:     admin,
		reporters: make(map[uuid.UUID]struct{}),
	}
}

// Admin returns the pool admin identity.
func (a *AccessControl) Admin() uuid.UUID {
	return a.admin
}

// IsAdmin reports whether caller is the pool admin.
func (a *AccessControl) IsAdmin(caller uuid.UUID) bool {
	return caller == a.admin
}

// CanReport reports whether caller may trigger an event.
func (a *AccessControl) CanReport(caller uuid.UUID) bool {
	if caller == a.admin {
		return true
	}
	_, ok := a.reporters[caller]
	return ok
}

// AddReporter allow-lists a reporter. Idempotent.
func (a *AccessControl) AddReporter(reporter uuid.UUID) {
	a.reporters[reporter] = struct{}{}
}

// RemoveReporter removes a reporter from the allow-list. Idempotent.
func (a *AccessControl) RemoveReporter(reporter uuid.UUID) {
	delete(a.reporters, reporter)
}

// Reporters returns the allow-list for snapshots and stats.
func (a *AccessControl) Reporters() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(a.reporters))
	for r := range a.reporters {
		out = append(out, r)
	}
	return out
}
