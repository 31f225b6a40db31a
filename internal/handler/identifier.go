package handler

import (
	"fmt"
	"strings"
)

// Identifier names a handler as a module path and a class name.
type Identifier struct {
	Module string
	Class  string
}

// ParseIdentifier splits "module.path.Class" on its last dot. A string with
// no dot is returned as an alias (Module empty, Class set).
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identifier{}, Errorf(ResolutionError, "handler identifier is empty")
	}
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return Identifier{Class: s}, nil
	}
	id := Identifier{Module: s[:i], Class: s[i+1:]}
	if id.Module == "" || id.Class == "" {
		return Identifier{}, Errorf(ResolutionError, "malformed handler identifier %q", s)
	}
	return id, nil
}

// Join builds the identifier string for module and class.
func Join(module, class string) string {
	switch {
	case module == "":
		return class
	case class == "":
		return module
	}
	return module + "." + class
}

// IsAlias reports whether the identifier carries no module path.
func (id Identifier) IsAlias() bool { return id.Module == "" }

func (id Identifier) String() string { return Join(id.Module, id.Class) }

func (id Identifier) validate() error {
	if id.Module == "" || id.Class == "" {
		return fmt.Errorf("module and class are required (got %q)", id.String())
	}
	if strings.ContainsAny(id.Class, ". ") {
		return fmt.Errorf("class %q must not contain dots or spaces", id.Class)
	}
	return nil
}
