package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrAlreadyRegistered   = errors.New("plugin already registered")
	ErrCapacityReached     = errors.New("plugin capacity reached")
	ErrMissingClass        = errors.New("plugin class is not available")
	ErrMissingDependencies = errors.New("dependency validation failed")
	ErrHasDependents       = errors.New("plugin is required by other plugins")
	ErrCircularDependency  = errors.New("circular dependency")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrLoadTimeout         = errors.New("plugin load timeout")
	ErrPermissionDenied    = errors.New("permission not allowed")
	ErrNoPluginClass       = errors.New("no valid plugin class found")
	ErrNoModuleSource      = errors.New("no module source supports entry")
	ErrNoInstance          = errors.New("plugin has no instance")
)

// CycleError names the plugins forming a dependency cycle. The first id is
// repeated at the end so the cycle reads as a path.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "Circular dependency detected"
	}
	return fmt.Sprintf("Circular dependency detected involving plugin: %s (%s)",
		e.Cycle[0], strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}

// DependentsError is returned when removing a plugin other plugins still require
type DependentsError struct {
	PluginID   string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("Cannot unregister plugin %s: It is required by %s",
		e.PluginID, strings.Join(e.Dependents, ", "))
}

func (e *DependentsError) Is(target error) bool {
	return target == ErrHasDependents
}

// MissingDependenciesError lists every declared dependency that is not registered
type MissingDependenciesError struct {
	PluginID string
	Missing  []string
}

func (e *MissingDependenciesError) Error() string {
	msgs := make([]string, 0, len(e.Missing))
	for _, dep := range e.Missing {
		msgs = append(msgs, fmt.Sprintf("Dependency %s is not registered", dep))
	}
	return fmt.Sprintf("Dependency validation failed: %s", strings.Join(msgs, ", "))
}

func (e *MissingDependenciesError) Is(target error) bool {
	return target == ErrMissingDependencies
}
