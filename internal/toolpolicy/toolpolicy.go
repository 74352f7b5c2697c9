// Package toolpolicy decides which tools from the catalog are offered to the
// model for a given message, based on the active tool profile and the
// elevation flag from directives.
package toolpolicy

import (
	"slices"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/tools"
	"github.com/openbotx/openbotx/pkg/types"
)

// Rule names the policy rule that decided a tool's fate, in evaluation order.
type Rule string

const (
	RuleDenylist      Rule = "denylist"
	RuleAllowlist     Rule = "allowlist"
	RuleAdminOnly     Rule = "admin_only"
	RuleDangerous     Rule = "dangerous"
	RuleProfileGroup  Rule = "profile_group"
	RuleUngroupedFull Rule = "ungrouped_full"
	RuleDefaultDeny   Rule = "default_deny"
)

// Decision is the outcome for a single tool.
type Decision struct {
	Name    string
	Allowed bool

	// ApprovalRequired carries the tool's approval flag through for allowed
	// tools so the executor can ask before running.
	ApprovalRequired bool

	// ElevationRequired marks denials that the /elevated directive would
	// overturn.
	ElevationRequired bool

	Rule Rule
}

// Policy evaluates the fixed rule chain over a tool catalog.
type Policy struct {
	allowlist map[string]bool
	denylist  map[string]bool
	dangerous map[string]bool

	// profileGroups maps each profile to its allowed group set.
	profileGroups map[types.ToolProfile]map[string]bool
}

// defaultProfileGroups returns the built-in profile→group map.
func defaultProfileGroups() map[types.ToolProfile]map[string]bool {
	return map[types.ToolProfile]map[string]bool{
		types.ProfileMinimal: {
			tools.GroupSystem: true,
		},
		types.ProfileCoding: {
			tools.GroupSystem:   true,
			tools.GroupFS:       true,
			tools.GroupDatabase: true,
		},
		types.ProfileMessaging: {
			tools.GroupSystem:    true,
			tools.GroupMessaging: true,
			tools.GroupWeb:       true,
		},
	}
}

// New builds a Policy from config. Group overrides extend the profile
// defaults; the full profile always admits every group.
func New(cfg config.ToolsConfig) *Policy {
	p := &Policy{
		allowlist:     toSet(cfg.Allowlist),
		denylist:      toSet(cfg.Denylist),
		dangerous:     toSet(cfg.Dangerous),
		profileGroups: defaultProfileGroups(),
	}
	for profile, groups := range cfg.GroupOverrides {
		key := types.ToolProfile(profile)
		if p.profileGroups[key] == nil {
			p.profileGroups[key] = make(map[string]bool)
		}
		for _, g := range groups {
			p.profileGroups[key][g] = true
		}
	}
	return p
}

// Evaluate runs the rule chain for one tool. Rules are checked in order and
// the first applicable one wins.
func (p *Policy) Evaluate(info tools.Info, profile types.ToolProfile, elevated bool) Decision {
	d := Decision{Name: info.Name, ApprovalRequired: info.ApprovalRequired}

	// 1. Explicit denylist.
	if p.denylist[info.Name] {
		d.Rule = RuleDenylist
		return d
	}

	// 2. Explicit allowlist. Approval is still honored.
	if p.allowlist[info.Name] {
		d.Allowed = true
		d.Rule = RuleAllowlist
		return d
	}

	// 3. Admin-only tools need elevation.
	if info.AdminOnly && !elevated {
		d.Rule = RuleAdminOnly
		d.ElevationRequired = true
		return d
	}

	// 4. Dangerous tools need elevation.
	if (info.Dangerous || p.dangerous[info.Name]) && !elevated {
		d.Rule = RuleDangerous
		d.ElevationRequired = true
		return d
	}

	// 5. Profile group membership.
	if p.inProfile(profile, info) {
		d.Allowed = true
		d.Rule = RuleProfileGroup
		return d
	}

	// 6. Ungrouped tools are reachable only in the full profile.
	if info.PrimaryGroup == "" && len(info.SecondaryGroups) == 0 && profile == types.ProfileFull {
		d.Allowed = true
		d.Rule = RuleUngroupedFull
		return d
	}

	// 7. Default deny.
	d.Rule = RuleDefaultDeny
	return d
}

// Filter evaluates the whole catalog and returns the names of allowed tools
// in catalog order.
func (p *Policy) Filter(catalog []tools.Info, profile types.ToolProfile, elevated bool) []string {
	var allowed []string
	for _, info := range catalog {
		if p.Evaluate(info, profile, elevated).Allowed {
			allowed = append(allowed, info.Name)
		}
	}
	return allowed
}

// inProfile reports whether the tool's primary or any secondary group is in
// the profile's allowed set. The full profile admits every group.
func (p *Policy) inProfile(profile types.ToolProfile, info tools.Info) bool {
	hasGroup := info.PrimaryGroup != "" || len(info.SecondaryGroups) > 0
	if !hasGroup {
		return false
	}
	if profile == types.ProfileFull {
		return true
	}
	groups := p.profileGroups[profile]
	if groups == nil {
		return false
	}
	if groups[info.PrimaryGroup] {
		return true
	}
	return slices.ContainsFunc(info.SecondaryGroups, func(g string) bool {
		return groups[g]
	})
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
