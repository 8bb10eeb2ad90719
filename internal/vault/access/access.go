package access

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/yield_vault/internal/errors"
)

// Role is an authorization level.
type Role string

const (
	RoleNone     Role = ""
	RoleOperator Role = "operator"
	RoleOwner    Role = "owner"
)

// Snapshot is the persistable access state.
type Snapshot struct {
	Owner     string    `json:"owner"`
	Operators []string  `json:"operators"`
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Controller enforces roles and tracks the pause state.
type Controller struct {
	mu        sync.RWMutex
	owner     string
	operators map[string]struct{}
	status    Status
	changedBy string
	changedAt time.Time
	reason    string
	now       func() time.Time
}

// NewController creates a running controller.
func NewController(owner string, operators []string, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		owner:     strings.TrimSpace(owner),
		operators: make(map[string]struct{}, len(operators)),
		status:    StatusRunning,
		now:       now,
	}
	for _, op := range operators {
		if op = strings.TrimSpace(op); op != "" {
			c.operators[op] = struct{}{}
		}
	}
	return c
}

// RoleOf returns the highest role held by actor.
func (c *Controller) RoleOf(actor string) Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roleLocked(actor)
}

func (c *Controller) roleLocked(actor string) Role {
	if actor == "" {
		return RoleNone
	}
	if actor == c.owner {
		return RoleOwner
	}
	if _, ok := c.operators[actor]; ok {
		return RoleOperator
	}
	return RoleNone
}

// RequireOperator fails with Unauthorized unless actor is an operator or the owner.
func (c *Controller) RequireOperator(op, actor string) error {
	if c.RoleOf(actor) == RoleNone {
		return errors.Unauthorized(op, actor)
	}
	return nil
}

// RequireOwner fails with Unauthorized unless actor is the owner.
func (c *Controller) RequireOwner(op, actor string) error {
	if c.RoleOf(actor) != RoleOwner {
		return errors.Unauthorized(op, actor)
	}
	return nil
}

// RequireRunning fails with Paused while the vault is paused.
func (c *Controller) RequireRunning(op string) error {
	if c.Paused() {
		return errors.Paused(op)
	}
	return nil
}

// GrantOperator gives actor the operator role. Owner only.
func (c *Controller) GrantOperator(caller, actor string) error {
	if err := c.RequireOwner("grantOperator", caller); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.Unauthorized("grantOperator", actor)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operators[actor] = struct{}{}
	return nil
}

// RevokeOperator removes the operator role. Owner only.
func (c *Controller) RevokeOperator(caller, actor string) error {
	if err := c.RequireOwner("revokeOperator", caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.operators, actor)
	return nil
}

// Pause moves the vault to PAUSED.
func (c *Controller) Pause(caller, reason string) error {
	return c.transition("pause", caller, StatusPaused, reason)
}

// Unpause moves the vault back to RUNNING.
func (c *Controller) Unpause(caller string) error {
	return c.transition("unpause", caller, StatusRunning, "")
}

func (c *Controller) transition(op, caller string, to Status, reason string) error {
	if err := c.RequireOperator(op, caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.status, to) {
		return errors.InvalidTransition(op, TransitionError{From: c.status, To: to})
	}
	c.status = to
	c.changedBy = caller
	c.changedAt = c.now().UTC()
	c.reason = reason
	return nil
}

// Paused reports whether the vault is paused.
func (c *Controller) Paused() bool {
	return c.Status() == StatusPaused
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Snapshot returns the persistable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ops := make([]string, 0, len(c.operators))
	for op := range c.operators {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return Snapshot{
		Owner:     c.owner,
		Operators: ops,
		Status:    c.status,
		ChangedBy: c.changedBy,
		ChangedAt: c.changedAt,
		Reason:    c.reason,
	}
}

// Restore applies persisted pause state. Roles come from configuration and
// are left untouched.
func (c *Controller) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s.Status
	c.changedBy = s.ChangedBy
	c.changedAt = s.ChangedAt
	c.reason = s.Reason
}
