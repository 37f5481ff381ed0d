// Package policy derives the tool set an agent may use from its ordered
// permission list. Filtering is pure: the input registry is never mutated
// and the same (registry, rules) pair always yields the same view.
package policy

import (
	"path"
	"strings"

	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Match reports whether a tool name matches a permission pattern. Patterns
// use glob semantics: "*" matches everything, "prefix*" and "*suffix" match
// by affix, and anything else falls through to path.Match, with exact
// comparison as the last resort for malformed patterns.
func Match(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == name
	}
	if strings.Count(pattern, "*") == 1 && !strings.ContainsAny(pattern, "?[") {
		if strings.HasSuffix(pattern, "*") {
			return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
		}
		if strings.HasPrefix(pattern, "*") {
			return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
		}
	}
	ok, err := path.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}

// Evaluate returns the action of the first rule matching the tool name.
// With no matching rule (or an empty list) the tool is denied.
func Evaluate(rules []models.PermissionRule, tool string) models.PermissionAction {
	for _, rule := range rules {
		if Match(rule.Pattern, tool) {
			return rule.Action
		}
	}
	return models.ActionDeny
}

// Allowed reports whether the rules admit the tool. "ask" is treated as
// allow at this layer; interactive approval is the outer surface's concern.
func Allowed(rules []models.PermissionRule, tool string) bool {
	switch Evaluate(rules, tool) {
	case models.ActionAllow, models.ActionAsk:
		return true
	default:
		return false
	}
}

// Filter returns a new registry view holding only the tools the rules
// admit, preserving registration order. The input registry is unchanged.
func Filter(reg *tools.Registry, rules []models.PermissionRule) *tools.Registry {
	filtered := tools.NewRegistry()
	for _, tool := range reg.List() {
		if Allowed(rules, tool.Name()) {
			filtered.Register(tool)
		}
	}
	return filtered
}
