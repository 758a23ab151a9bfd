package app

// CouncilModeConfig names the models one mode uses for the council.ask
// panel.
type CouncilModeConfig struct {
	CouncilModels []string
	JudgeModels   []string
	ChairmanModel string
	TitleModel    string
}

func mergeCouncilFallback(override, fallback CouncilModeConfig) CouncilModeConfig {
	out := override
	if out.ChairmanModel == "" {
		out.ChairmanModel = fallback.ChairmanModel
	}
	if out.TitleModel == "" {
		out.TitleModel = fallback.TitleModel
	}
	if len(out.CouncilModels) == 0 {
		out.CouncilModels = fallback.CouncilModels
	}
	if len(out.JudgeModels) == 0 {
		out.JudgeModels = fallback.JudgeModels
	}
	return out
}

// CouncilModeTable is the same balanced-inherits shape as pipeline's
// RoleModelTable, applied to the council panel's model lists instead of
// pipeline roles. Like that table, it is filled by the caller, not read
// from the environment.
type CouncilModeTable struct {
	Fast     CouncilModeConfig
	Balanced CouncilModeConfig
	Deep     CouncilModeConfig
}

// Resolve returns the effective CouncilModeConfig for mode.
func (t CouncilModeTable) Resolve(mode string) CouncilModeConfig {
	switch mode {
	case "fast":
		return mergeCouncilFallback(t.Fast, t.Balanced)
	case "deep":
		return mergeCouncilFallback(t.Deep, t.Balanced)
	default:
		return t.Balanced
	}
}
