package order

import "slices"

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Role identifies who requests a transition.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleKitchen  Role = "kitchen"
	RoleCashier  Role = "cashier"
	RoleSystem   Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleKitchen, RoleCashier, RoleSystem:
		return true
	}
	return false
}

// Actor is the authenticated party asking for a transition.
type Actor struct {
	ID   string
	Role Role
}

var forward = map[Status]Status{
	StatusPending:   StatusPreparing,
	StatusPreparing: StatusReady,
	StatusReady:     StatusCompleted,
}

var cancellable = map[Status]bool{
	StatusPending:   true,
	StatusPreparing: true,
}

var permissions = map[Role]map[Status][]Status{
	RoleKitchen: {
		StatusPending:   {StatusPreparing, StatusCancelled},
		StatusPreparing: {StatusReady, StatusCancelled},
	},
	RoleCashier: {
		StatusPending:   {StatusCancelled},
		StatusPreparing: {StatusCancelled},
		StatusReady:     {StatusCompleted},
	},
	RoleCustomer: {
		StatusPending: {StatusCancelled},
	},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the order still needs kitchen or cashier attention.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// Next returns the forward successor of s.
func Next(s Status) (Status, bool) {
	n, ok := forward[s]
	return n, ok
}

func legal(from, to Status) bool {
	if to == StatusCancelled {
		return cancellable[from]
	}
	n, ok := forward[from]
	return ok && n == to
}

// Transition validates moving from one status to another on behalf of role.
func Transition(from, to Status, role Role) error {
	if !legal(from, to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	if role == RoleSystem {
		return nil
	}
	if !slices.Contains(permissions[role][from], to) {
		return &IllegalTransitionError{From: from, To: to, Role: role}
	}
	return nil
}

// Advance returns the next forward status of o if actor may move it there.
func Advance(o *Order, actor Actor) (Status, error) {
	next, ok := Next(o.Status)
	if !ok {
		return o.Status, &IllegalTransitionError{From: o.Status, To: o.Status}
	}
	if err := Transition(o.Status, next, actor.Role); err != nil {
		return o.Status, err
	}
	return next, nil
}
