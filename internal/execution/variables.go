package execution

import (
	"fmt"
	"regexp"
	"strings"
)

var variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateVariableName reports whether name can be exported to an action environment.
func ValidateVariableName(name string) error {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) == 0 {
		return fmt.Errorf("pipeline variable name cannot be empty")
	}
	if !variableNamePattern.MatchString(trimmed) {
		return fmt.Errorf("pipeline variable name %q must match %s", trimmed, variableNamePattern.String())
	}
	return nil
}

// VariableOverlay is a stack of variable frames. Lookups resolve from the innermost frame outward.
// An overlay belongs to one execution branch and is not safe for concurrent use; parallel
// branches receive independent copies through Fork.
type VariableOverlay struct {
	frames []map[string]string
}

// NewVariableOverlay constructs an overlay whose base frame holds seed.
func NewVariableOverlay(seed map[string]string) *VariableOverlay {
	overlay := &VariableOverlay{}
	overlay.Push(seed)
	return overlay
}

// Push enters a new frame holding a copy of bindings.
func (overlay *VariableOverlay) Push(bindings map[string]string) {
	frame := make(map[string]string, len(bindings))
	for name, value := range bindings {
		trimmedName := strings.TrimSpace(name)
		if len(trimmedName) == 0 {
			continue
		}
		frame[trimmedName] = value
	}
	overlay.frames = append(overlay.frames, frame)
}

// Pop discards the innermost frame. The base frame is never removed.
func (overlay *VariableOverlay) Pop() {
	if len(overlay.frames) <= 1 {
		return
	}
	overlay.frames[len(overlay.frames)-1] = nil
	overlay.frames = overlay.frames[:len(overlay.frames)-1]
}

// Depth returns the number of frames including the base frame.
func (overlay *VariableOverlay) Depth() int {
	return len(overlay.frames)
}

// Set binds name in the innermost frame only.
func (overlay *VariableOverlay) Set(name string, value string) {
	trimmedName := strings.TrimSpace(name)
	if len(trimmedName) == 0 || len(overlay.frames) == 0 {
		return
	}
	overlay.frames[len(overlay.frames)-1][trimmedName] = value
}

// Lookup resolves name from the innermost frame outward.
func (overlay *VariableOverlay) Lookup(name string) (string, bool) {
	for frameIndex := len(overlay.frames) - 1; frameIndex >= 0; frameIndex-- {
		if value, exists := overlay.frames[frameIndex][name]; exists {
			return value, true
		}
	}
	return "", false
}

// Snapshot flattens the visible bindings into a fresh map.
func (overlay *VariableOverlay) Snapshot() map[string]string {
	snapshot := make(map[string]string)
	for _, frame := range overlay.frames {
		for name, value := range frame {
			snapshot[name] = value
		}
	}
	return snapshot
}

// Fork returns an independent overlay with the current visible bindings as its base frame.
func (overlay *VariableOverlay) Fork() *VariableOverlay {
	return NewVariableOverlay(overlay.Snapshot())
}
