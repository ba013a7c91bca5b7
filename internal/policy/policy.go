// Package policy implements the pure, stateless rule-matching predicate the
// Authority Engine evaluates once per (rule, context) pair.
package policy

import "github.com/jameslatto-droid/plk-kb/internal/model"

// Match evaluates rule against context and returns whether it matches. When
// it does not, the second return value is the first-failure mismatch reason
// code, in the fixed evaluation order below. A nil rule attribute is a
// wildcard; a present one is an equality constraint against the
// corresponding context field.
func Match(rule model.AccessRule, ctx model.AuthorityContext) (bool, string) {
	if rule.ProjectCode != nil && !ctx.HasProjectCode(*rule.ProjectCode) {
		return false, model.ReasonProjectMismatch
	}
	if rule.Discipline != nil && *rule.Discipline != ctx.Discipline {
		return false, model.ReasonDisciplineMismatch
	}
	if rule.Classification != nil && *rule.Classification != ctx.Classification {
		return false, model.ReasonClassificationMismatch
	}
	if rule.CommercialSensitivity != nil && *rule.CommercialSensitivity != ctx.CommercialSensitivity {
		return false, model.ReasonCommercialSensitivityMismatch
	}
	if len(rule.AllowedRoles) == 0 {
		return false, model.ReasonAllowedRolesEmpty
	}
	matched := false
	for _, role := range rule.AllowedRoles {
		if ctx.HasRole(role) {
			matched = true
			break
		}
	}
	if !matched {
		return false, model.ReasonRoleMismatch
	}
	return true, ""
}
