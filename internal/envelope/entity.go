package envelope

import "fmt"

// EntityType identifies which kind of record an envelope mutates.
type EntityType string

const (
	EntityProject   EntityType = "project"
	EntityGPS       EntityType = "gps"
	EntityFinancial EntityType = "financial"
	EntityUser      EntityType = "user"
)

// AllEntityTypes lists every entity type in a stable order.
var AllEntityTypes = []EntityType{EntityProject, EntityGPS, EntityFinancial, EntityUser}

// Valid reports whether et is one of the known entity types.
func (et EntityType) Valid() bool {
	switch et {
	case EntityProject, EntityGPS, EntityFinancial, EntityUser:
		return true
	}
	return false
}

// ParseEntityType converts s into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(s)
	if !et.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return et, nil
}

// Action is the mutation an envelope carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ParseAction converts s into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// EntityVisitor has one method per entity type. Adding an entity type adds a
// method here, so every implementation must be updated before the build
// passes again.
type EntityVisitor[T any] interface {
	Project() T
	GPS() T
	Financial() T
	User() T
}

// Visit calls the visitor method matching et. It panics on an unknown entity
// type; callers validate envelopes before visiting them.
func Visit[T any](et EntityType, v EntityVisitor[T]) T {
	switch et {
	case EntityProject:
		return v.Project()
	case EntityGPS:
		return v.GPS()
	case EntityFinancial:
		return v.Financial()
	case EntityUser:
		return v.User()
	}
	panic(fmt.Sprintf("envelope: unknown entity type %q", et))
}
