package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"octoflow/internal/domain"
)

// User is the caller identity the authorization filter reasons about. A nil
// *User means "no user": everything is visible and allowed.
type User struct {
	ID        string
	Groups    []string
	Superuser bool
}

// InGroup reports whether the user belongs to the named group.
func (u *User) InGroup(group string) bool {
	if u == nil {
		return false
	}
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Workflow permissions. Permission strings are opt-in: an undeclared
// permission means the workflow is unrestricted for that verb.
const (
	PermRead  = "read"
	PermWrite = "write"
)

// PermissionDirectory is the external permission subsystem the filter
// consults. Implementations live outside this package.
type PermissionDirectory interface {
	HasPermission(ctx context.Context, userID, perm string) (bool, error)
	Declared(ctx context.Context, targetType, perm string) (bool, error)
}

var (
	camelBoundary = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	snakeBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

func camelToSnake(v string) string {
	v = camelBoundary.ReplaceAllString(v, `${1}_${2}`)
	return strings.ToLower(snakeBoundary.ReplaceAllString(v, `${1}_${2}`))
}

// PermissionString derives the permission identifier for a workflow verb,
// e.g. ("shipping", "read", "OrderApproval") -> "shipping.can_read_order_approval".
func PermissionString(app, perm, workflowName string) string {
	return fmt.Sprintf("%s.can_%s_%s", app, perm, camelToSnake(workflowName))
}

// AuthorizedTransitions returns the transitions from the process's current
// state that user may see or execute. With a nil user every outgoing
// transition is returned. Otherwise automatic transitions are always
// included, and a manual transition only when the user is a superuser, is in
// the transition's resolved user set, or belongs to one of its resolved
// groups. Resolution is speculative: no task is created or assigned here.
func (e Engine) AuthorizedTransitions(ctx context.Context, def *Definition, proc domain.Process, user *User) ([]Transition, error) {
	available := def.TransitionsFrom(proc.State)
	if user == nil {
		return available, nil
	}
	var out []Transition
	for _, tr := range available {
		if !tr.Manual || user.Superuser {
			out = append(out, tr)
			continue
		}
		users, groups, err := e.resolver().Assignees(ctx, def, proc, tr)
		if err != nil {
			return nil, err
		}
		if contains(users, user.ID) || overlaps(groups, user.Groups) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// IsAllowed reports whether user may act on the workflow with the given
// verb (PermRead or PermWrite). Workflows without a bound target type are
// unrestricted, as are undeclared permissions.
func (e Engine) IsAllowed(ctx context.Context, def *Definition, user *User, perm string) (bool, error) {
	if def.TargetType == "" || user == nil || user.Superuser {
		return true, nil
	}
	if e.Perms == nil {
		return true, nil
	}
	app := def.TargetType
	if e.Targets != nil {
		if acc, ok := e.Targets.Lookup(def.TargetType); ok {
			app = acc.AppName()
		}
	}
	permString := PermissionString(app, perm, def.Name)
	declared, err := e.Perms.Declared(ctx, def.TargetType, permString)
	if err != nil {
		return false, err
	}
	if !declared {
		return true, nil
	}
	return e.Perms.HasPermission(ctx, user.ID, permString)
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, v := range b {
		if contains(a, v) {
			return true
		}
	}
	return false
}
