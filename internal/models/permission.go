package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PermissionLevel is an authority tier. Smaller values are stronger: Owner outranks Admin outranks User.
type PermissionLevel int

const (
	PermissionOwner PermissionLevel = iota
	PermissionAdmin
	PermissionUser
)

var permissionNames = map[PermissionLevel]string{
	PermissionOwner: "OWNER",
	PermissionAdmin: "ADMIN",
	PermissionUser:  "USER",
}

// Valid reports whether l is one of the defined levels.
func (l PermissionLevel) Valid() bool {
	_, ok := permissionNames[l]
	return ok
}

func (l PermissionLevel) String() string {
	if name, ok := permissionNames[l]; ok {
		return name
	}
	return fmt.Sprintf("PermissionLevel(%d)", int(l))
}

// Satisfies reports whether a holder of l may act where required is demanded.
func (l PermissionLevel) Satisfies(required PermissionLevel) bool {
	return l <= required
}

// StrongerThan reports whether l outranks other.
func (l PermissionLevel) StrongerThan(other PermissionLevel) bool {
	return l < other
}

// ParsePermissionLevel accepts a level name (case-insensitive) or its numeric value.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	s = strings.TrimSpace(s)
	for level, name := range permissionNames {
		if strings.EqualFold(name, s) || fmt.Sprint(int(level)) == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown permission level %q", s)
}

// MarshalJSON encodes the level as its numeric value, which is what the chat front-end sends.
func (l PermissionLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(l))
}

// UnmarshalJSON accepts either the numeric value or the level name.
func (l *PermissionLevel) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		level := PermissionLevel(n)
		if !level.Valid() {
			return fmt.Errorf("unknown permission level %d", n)
		}
		*l = level
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("permission level must be a number or a name: %w", err)
	}
	level, err := ParsePermissionLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
