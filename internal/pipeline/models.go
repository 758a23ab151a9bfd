// Package pipeline implements the pipeline engine (C7): a bounded
// 6-role loop (leader → reviewer/security → test plan → implementer →
// deterministic scope gate → model gate) with a revise-and-retry loop
// capped at max_iterations. Grounded on the same jsonrole/ledger/budget
// machinery as council, generalized from a flat panel into a scoped,
// sequential, gated workflow
package pipeline

// ModeModels names the models available to one mode (fast/balanced/deep):
// a chairman/chair model used for leader/implementer/gate, and an
// ordered list of supporting models from which reviewer/security/
// test_writer are picked.
type ModeModels struct {
	Chair  string
	Models []string
}

// RoleModelTable is the table of per-mode model lists: balanced models
// are the base; fast/deep inherit any field left unset. Nothing in this
// package reads the environment; the table is filled by the caller.
type RoleModelTable struct {
	Fast     ModeModels
	Balanced ModeModels
	Deep     ModeModels
}

func mergeWithFallback(override, fallback ModeModels) ModeModels {
	out := override
	if out.Chair == "" {
		out.Chair = fallback.Chair
	}
	if len(out.Models) == 0 {
		out.Models = fallback.Models
	}
	return out
}

// Resolve returns the effective ModeModels for mode, applying the
// balanced→fast/deep inheritance rule. Unknown modes fall back to
// balanced entirely.
func (t RoleModelTable) Resolve(mode string) ModeModels {
	switch mode {
	case "fast":
		return mergeWithFallback(t.Fast, t.Balanced)
	case "deep":
		return mergeWithFallback(t.Deep, t.Balanced)
	default:
		return t.Balanced
	}
}

// RoleModels is the per-role model assignment for one pipeline run,
// derived from ModeModels by these fixed defaults:
// leader=chair, reviewer=models[0], security=models[0],
// test_writer=models[-1], implementer=chair, gate=chair.
type RoleModels struct {
	Leader      string
	Reviewer    string
	Security    string
	TestWriter  string
	Implementer string
	Gate        string
}

// ResolveRoleModels computes RoleModels for mode from table.
func ResolveRoleModels(table RoleModelTable, mode string) RoleModels {
	mm := table.Resolve(mode)
	rm := RoleModels{
		Leader:      mm.Chair,
		Implementer: mm.Chair,
		Gate:        mm.Chair,
	}
	if len(mm.Models) > 0 {
		rm.Reviewer = mm.Models[0]
		rm.Security = mm.Models[0]
		rm.TestWriter = mm.Models[len(mm.Models)-1]
	}
	return rm
}
