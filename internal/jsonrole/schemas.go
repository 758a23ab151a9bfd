package jsonrole

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaSources holds the literal JSON Schema + a literal example object
// for every schema-bound agent output. The example is what C5's
// correction prompt embeds verbatim when a model's first reply fails
// validation.
var schemaSources = map[string]struct {
	schema  string
	example string
}{
	"scope_contract": {
		schema: `{
  "type": "object",
  "properties": {
    "task_summary": {"type": "string"},
    "in_scope": {"type": "array", "items": {"type": "string"}},
    "out_of_scope": {"type": "array", "items": {"type": "string"}},
    "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
    "agents_to_invoke": {"type": "array", "items": {"type": "string", "enum": ["reviewer", "security", "test_writer", "implementer", "gate"]}},
    "tests_policy": {
      "type": "object",
      "properties": {"required": {"type": "boolean"}, "reasons": {"type": "array", "items": {"type": "string"}}},
      "required": ["required", "reasons"],
      "additionalProperties": false
    },
    "constraints": {"type": "array", "items": {"type": "string"}},
    "max_iterations": {"type": "integer"},
    "budget": {"type": ["object", "null"]}
  },
  "required": ["task_summary", "in_scope", "out_of_scope", "acceptance_criteria", "agents_to_invoke", "tests_policy", "constraints", "max_iterations"],
  "additionalProperties": false
}`,
		example: `{"task_summary":"...","in_scope":["backend/src/foo.py"],"out_of_scope":[],"acceptance_criteria":["..."],"agents_to_invoke":["reviewer","implementer","gate"],"tests_policy":{"required":false,"reasons":[]},"constraints":[],"max_iterations":2}`,
	},
	"review_output": {
		schema: `{
  "type": "object",
  "properties": {
    "verdict": {"type": "string", "enum": ["PASS", "FAIL"]},
    "issues": {"type": "array", "items": {
      "type": "object",
      "properties": {
        "severity": {"type": "string", "enum": ["high", "med", "low"]},
        "file": {"type": "string"},
        "issue": {"type": "string"},
        "why": {"type": "string"},
        "suggested_fix": {"type": "string"}
      },
      "required": ["severity", "file", "issue", "why", "suggested_fix"],
      "additionalProperties": false
    }},
    "missed_requirements": {"type": "array", "items": {"type": "string"}},
    "risks": {"type": "array", "items": {"type": "string"}},
    "tests_recommended": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["verdict", "issues", "missed_requirements", "risks", "tests_recommended"],
  "additionalProperties": false
}`,
		example: `{"verdict":"PASS","issues":[],"missed_requirements":[],"risks":[],"tests_recommended":[]}`,
	},
	"security_output": {
		schema: `{
  "type": "object",
  "properties": {
    "verdict": {"type": "string", "enum": ["PASS", "FAIL"]},
    "threats": {"type": "array", "items": {
      "type": "object",
      "properties": {
        "severity": {"type": "string"},
        "area": {"type": "string", "enum": ["auth", "db", "logging", "network", "deps", "supply_chain"]},
        "description": {"type": "string"},
        "mitigation": {"type": "string"}
      },
      "required": ["severity", "area", "description", "mitigation"],
      "additionalProperties": false
    }},
    "required_security_controls": {"type": "array", "items": {"type": "string"}},
    "tests_required": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["verdict", "threats", "required_security_controls", "tests_required"],
  "additionalProperties": false
}`,
		example: `{"verdict":"PASS","threats":[],"required_security_controls":[],"tests_required":[]}`,
	},
	"test_plan_output": {
		schema: `{
  "type": "object",
  "properties": {
    "tests_to_add": {"type": "array", "items": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["unit", "integration"]},
        "target": {"type": "string"},
        "files": {"type": "array", "items": {"type": "string"}},
        "cases": {"type": "array", "items": {"type": "string"}}
      },
      "required": ["type", "target", "files", "cases"],
      "additionalProperties": false
    }},
    "commands": {"type": "array", "items": {"type": "string"}},
    "notes": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["tests_to_add", "commands", "notes"],
  "additionalProperties": false
}`,
		example: `{"tests_to_add":[],"commands":[],"notes":[]}`,
	},
	"codex_prompt_output": {
		schema: `{
  "type": "object",
  "properties": {
    "final_codex_prompt": {"type": "string"},
    "patch_scope": {"type": "array", "items": {"type": "string"}},
    "do_not_change": {"type": "array", "items": {"type": "string"}},
    "run_commands": {"type": "array", "items": {"type": "string"}},
    "rollback_plan": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["final_codex_prompt", "patch_scope", "do_not_change", "run_commands", "rollback_plan"],
  "additionalProperties": false
}`,
		example: `{"final_codex_prompt":"...","patch_scope":["backend/src/foo.py"],"do_not_change":[],"run_commands":[],"rollback_plan":[]}`,
	},
	"gate_output": {
		schema: `{
  "type": "object",
  "properties": {
    "verdict": {"type": "string", "enum": ["PASS", "FAIL"]},
    "must_fix": {"type": "array", "items": {
      "type": "object",
      "properties": {
        "severity": {"type": "string"},
        "file": {"type": "string"},
        "issue": {"type": "string"},
        "suggested_fix": {"type": "string"}
      },
      "required": ["severity", "file", "issue", "suggested_fix"],
      "additionalProperties": false
    }},
    "acceptance_criteria_met": {"type": "array", "items": {
      "type": "object",
      "properties": {"criterion": {"type": "string"}, "met": {"type": "boolean"}},
      "required": ["criterion", "met"],
      "additionalProperties": false
    }},
    "tests_required": {"type": "boolean"}
  },
  "required": ["verdict", "must_fix", "acceptance_criteria_met", "tests_required"],
  "additionalProperties": false
}`,
		example: `{"verdict":"PASS","must_fix":[],"acceptance_criteria_met":[],"tests_required":false}`,
	},
	"stage2_judgement": {
		schema: `{
  "type": "object",
  "properties": {
    "evaluations": {"type": "array", "items": {
      "type": "object",
      "properties": {
        "label": {"type": "string"},
        "pros": {"type": "array", "items": {"type": "string"}},
        "cons": {"type": "array", "items": {"type": "string"}}
      },
      "required": ["label", "pros", "cons"],
      "additionalProperties": false
    }},
    "final_ranking": {"type": "array", "items": {"type": "string"}},
    "failure_modes_top1": {"type": "array", "items": {"type": "string"}},
    "verification_steps": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["evaluations", "final_ranking", "failure_modes_top1", "verification_steps"],
  "additionalProperties": false
}`,
		example: `{"evaluations":[{"label":"Response A","pros":["..."],"cons":["..."]}],"final_ranking":["Response A"],"failure_modes_top1":["..."],"verification_steps":["..."]}`,
	},
}

// Registry compiles and caches every schema named in schemaSources.
type Registry struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry builds an empty Registry; schemas compile lazily on first
// use so a process that only runs council.ask never pays for compiling
// the pipeline's six role schemas.
func NewRegistry() *Registry {
	return &Registry{compiled: make(map[string]*jsonschema.Schema)}
}

// Schema returns the compiled schema for name, compiling it on first
// request.
func (r *Registry) Schema(name string) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.compiled[name]; ok {
		return s, nil
	}
	src, ok := schemaSources[name]
	if !ok {
		return nil, errUnknownSchema(name)
	}
	compiler := jsonschema.NewCompiler()
	resourceID := name + ".json"
	if err := compiler.AddResource(resourceID, strings.NewReader(src.schema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, err
	}
	r.compiled[name] = schema
	return schema, nil
}

// Example returns the literal JSON example for name, for embedding
// verbatim in a correction prompt.
func (r *Registry) Example(name string) (string, error) {
	src, ok := schemaSources[name]
	if !ok {
		return "", errUnknownSchema(name)
	}
	return src.example, nil
}

type errUnknownSchema string

func (e errUnknownSchema) Error() string { return "jsonrole: unknown schema " + string(e) }

// Schema name constants used by the council and pipeline engines.
const (
	SchemaScopeContract     = "scope_contract"
	SchemaReviewOutput      = "review_output"
	SchemaSecurityOutput    = "security_output"
	SchemaTestPlanOutput    = "test_plan_output"
	SchemaCodexPromptOutput = "codex_prompt_output"
	SchemaGateOutput        = "gate_output"
	SchemaStage2Judgement   = "stage2_judgement"
)
