package definition

import (
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/flowpilot/model"
)

func validTemplate() map[string]any {
	return map[string]any{
		"id":       "core.health_check",
		"name":     "Health Check",
		"version":  "1.0.0",
		"category": "monitoring",
		"phases": []any{
			map[string]any{
				"id":       "collect",
				"title":    "Collect",
				"parallel": true,
				"searches": []any{
					map[string]any{"id": "s1", "query": "index=_internal | stats count"},
					map[string]any{"id": "s2", "query": "index=main | head 5", "earliest": "-7d@d", "timeout": 60},
				},
			},
			map[string]any{
				"id":         "analyse",
				"depends_on": []any{"collect"},
				"searches": []any{
					map[string]any{"id": "s1", "query": "index=main error"},
				},
			},
		},
	}
}

func phase(tmpl map[string]any, i int) map[string]any {
	return tmpl["phases"].([]any)[i].(map[string]any)
}

func task(tmpl map[string]any, p, i int) map[string]any {
	return phase(tmpl, p)["searches"].([]any)[i].(map[string]any)
}

func TestValidator_valid(t *testing.T) {
	def, errs := NewValidator().Validate(validTemplate())
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}

	if def.ID != "core.health_check" {
		t.Errorf("ID = %q", def.ID)
	}
	if def.TaskCount() != 3 {
		t.Errorf("TaskCount() = %d, want 3", def.TaskCount())
	}
	if len(def.Phases) != 2 || def.Phases[0].ID != "collect" || def.Phases[1].ID != "analyse" {
		t.Fatalf("Phases = %+v", def.Phases)
	}
	if !def.Phases[0].Parallel {
		t.Error("collect.Parallel = false, want true")
	}
	if got := def.Phases[1].DependsOn; len(got) != 1 || got[0] != "collect" {
		t.Errorf("analyse.DependsOn = %v", got)
	}
}

func TestValidator_defaults(t *testing.T) {
	def, errs := NewValidator().Validate(validTemplate())
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}

	if def.Stability != model.StabilityExperimental {
		t.Errorf("Stability = %q, want experimental", def.Stability)
	}
	if def.Complexity != model.ComplexityIntermediate {
		t.Errorf("Complexity = %q, want intermediate", def.Complexity)
	}

	s1 := def.Phases[0].Tasks[0]
	if s1.Window.Earliest != "-24h@h" || s1.Window.Latest != "now" {
		t.Errorf("s1.Window = %+v, want -24h@h..now", s1.Window)
	}
	if s1.Timeout != 300*time.Second {
		t.Errorf("s1.Timeout = %v, want 300s", s1.Timeout)
	}
	if s1.Worker != model.WorkerQuery {
		t.Errorf("s1.Worker = %q, want query", s1.Worker)
	}
	if s1.Title != "s1" {
		t.Errorf("s1.Title = %q, want s1", s1.Title)
	}

	s2 := def.Phases[0].Tasks[1]
	if s2.Window.Earliest != "-7d@d" || s2.Window.Latest != "now" {
		t.Errorf("s2.Window = %+v", s2.Window)
	}
	if s2.Timeout != 60*time.Second {
		t.Errorf("s2.Timeout = %v, want 60s", s2.Timeout)
	}

	if def.Phases[1].MaxParallel != 1 {
		t.Errorf("sequential MaxParallel = %d, want 1", def.Phases[1].MaxParallel)
	}
}

func TestValidator_default_timeout_option(t *testing.T) {
	def, errs := NewValidator(WithDefaultTimeout(45 * time.Second)).Validate(validTemplate())
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if got := def.Phases[0].Tasks[0].Timeout; got != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", got)
	}
}

func TestValidator_searches_shorthand(t *testing.T) {
	tmpl := map[string]any{
		"id":       "contrib.quick",
		"name":     "Quick",
		"version":  "0.1.0",
		"category": "data-quality",
		"parallel": true,
		"searches": []any{
			map[string]any{"name": "a", "spl": "index=a"},
			map[string]any{"name": "b", "spl": "index=b"},
		},
	}
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if len(def.Phases) != 1 {
		t.Fatalf("Phases = %d, want 1", len(def.Phases))
	}
	p := def.Phases[0]
	if p.ID != "main" || !p.Parallel || len(p.Tasks) != 2 {
		t.Errorf("phase = %+v", p)
	}
	if p.Tasks[0].ID != "a" || p.Tasks[0].Query != "index=a" {
		t.Errorf("task[0] = %+v", p.Tasks[0])
	}
	if def.Category != model.CategoryDataQuality {
		t.Errorf("Category = %q, want data_quality", def.Category)
	}
}

func TestValidator_both_shapes(t *testing.T) {
	tmpl := validTemplate()
	tmpl["searches"] = []any{}
	_, errs := NewValidator().Validate(tmpl)
	if len(errs) != 1 || errs[0].Code != CodeInvalidValue {
		t.Errorf("errs = %v, want single INVALID_VALUE", errs)
	}
}

func TestValidator_neither_shape(t *testing.T) {
	tmpl := validTemplate()
	delete(tmpl, "phases")
	_, errs := NewValidator().Validate(tmpl)
	if !hasCode(errs, CodeRequired) {
		t.Errorf("errs = %v, want REQUIRED", errs)
	}
}

func TestValidator_missing_required(t *testing.T) {
	tmpl := validTemplate()
	delete(tmpl, "id")
	delete(tmpl, "name")
	tmpl["version"] = "  "

	_, errs := NewValidator().Validate(tmpl)
	for _, path := range []string{"id", "name", "version"} {
		if !hasPath(errs, path, CodeRequired) {
			t.Errorf("missing REQUIRED error at %q in %v", path, errs)
		}
	}
}

func TestValidator_wrong_type(t *testing.T) {
	tmpl := validTemplate()
	tmpl["name"] = 42
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "name", CodeInvalidType) {
		t.Errorf("errs = %v, want INVALID_TYPE at name", errs)
	}
}

func TestValidator_aliases(t *testing.T) {
	tmpl := validTemplate()
	delete(tmpl, "id")
	delete(tmpl, "name")
	tmpl["workflow_id"] = "core.alias"
	tmpl["workflow_name"] = "Alias"
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if def.ID != "core.alias" || def.Name != "Alias" {
		t.Errorf("ID/Name = %q/%q", def.ID, def.Name)
	}
}

func TestValidator_invalid_id(t *testing.T) {
	tmpl := validTemplate()
	tmpl["id"] = "bad id!"
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "id", CodeInvalidValue) {
		t.Errorf("errs = %v, want INVALID_VALUE at id", errs)
	}
}

func TestValidator_invalid_enums(t *testing.T) {
	tmpl := validTemplate()
	tmpl["category"] = "finance"
	tmpl["complexity"] = "expert"
	tmpl["stability"] = "beta"
	_, errs := NewValidator().Validate(tmpl)
	for _, path := range []string{"category", "complexity", "stability"} {
		if !hasPath(errs, path, CodeInvalidEnum) {
			t.Errorf("missing INVALID_ENUM at %q in %v", path, errs)
		}
	}
}

func TestValidator_unsupported_worker(t *testing.T) {
	tmpl := validTemplate()
	task(tmpl, 0, 0)["worker"] = "synthesis"
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].searches[0].worker", CodeInvalidEnum) {
		t.Errorf("errs = %v, want INVALID_ENUM at worker", errs)
	}
}

func TestValidator_duplicate_phase_id(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["id"] = "collect"
	delete(phase(tmpl, 1), "depends_on")
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[1].id", CodeDuplicateID) {
		t.Errorf("errs = %v, want DUPLICATE_ID at phases[1].id", errs)
	}
}

func TestValidator_duplicate_task_id(t *testing.T) {
	tmpl := validTemplate()
	task(tmpl, 0, 1)["id"] = "s1"
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].searches[1].id", CodeDuplicateID) {
		t.Errorf("errs = %v, want DUPLICATE_ID at phases[0].searches[1].id", errs)
	}
}

func TestValidator_task_id_reused_across_phases(t *testing.T) {
	// "s1" appears in both phases of validTemplate.
	if _, errs := NewValidator().Validate(validTemplate()); hasCode(errs, CodeDuplicateID) {
		t.Errorf("errs = %v, task ids need only be unique within a phase", errs)
	}
}

func TestValidator_phase_without_tasks(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["searches"] = []any{}
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[1].searches", CodeRequired) {
		t.Errorf("errs = %v, want REQUIRED at phases[1].searches", errs)
	}
}

func TestValidator_unknown_dependency(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["depends_on"] = []any{"nope"}
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[1].depends_on", CodeRefNotFound) {
		t.Errorf("errs = %v, want REF_NOT_FOUND", errs)
	}
}

func TestValidator_cycle_detected(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 0)["depends_on"] = []any{"analyse"}
	_, errs := NewValidator().Validate(tmpl)
	if !hasCode(errs, CodeCycleDetected) {
		t.Fatalf("errs = %v, want CYCLE_DETECTED", errs)
	}
	for _, e := range errs {
		if e.Code == CodeCycleDetected && !strings.Contains(e.Message, "collect -> analyse -> collect") {
			t.Errorf("cycle message = %q", e.Message)
		}
	}
}

func TestValidator_self_dependency(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["depends_on"] = []any{"analyse"}
	_, errs := NewValidator().Validate(tmpl)
	if !hasCode(errs, CodeCycleDetected) {
		t.Errorf("errs = %v, want CYCLE_DETECTED", errs)
	}
}

func TestValidator_empty_query(t *testing.T) {
	tmpl := validTemplate()
	task(tmpl, 0, 1)["query"] = "   "
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].searches[1].query", CodeRequired) {
		t.Errorf("errs = %v, want REQUIRED at query", errs)
	}
}

func TestValidator_query_sanity(t *testing.T) {
	cases := map[string]string{
		"odd quotes":    `index=main "error`,
		"unclosed":      `index=main (a OR b`,
		"extra closing": `index=main a) OR (b`,
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			tmpl := validTemplate()
			task(tmpl, 0, 0)["query"] = q
			_, errs := NewValidator().Validate(tmpl)
			if !hasPath(errs, "phases[0].searches[0].query", CodeInvalidValue) {
				t.Errorf("errs = %v, want INVALID_VALUE at query", errs)
			}
		})
	}

	tmpl := validTemplate()
	task(tmpl, 0, 0)["query"] = `index=main "(" | eval x=if(a>1, "y", "n")`
	if _, errs := NewValidator().Validate(tmpl); len(errs) > 0 {
		t.Errorf("balanced query rejected: %v", errs)
	}
}

func TestValidator_invalid_time(t *testing.T) {
	tmpl := validTemplate()
	task(tmpl, 0, 0)["earliest"] = "yesterday"
	task(tmpl, 0, 1)["window"] = map[string]any{"latest": "-2x"}
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].searches[0].earliest", CodeInvalidTime) {
		t.Errorf("errs = %v, want INVALID_TIME at earliest", errs)
	}
	if !hasPath(errs, "phases[0].searches[1].window.latest", CodeInvalidTime) {
		t.Errorf("errs = %v, want INVALID_TIME at window.latest", errs)
	}
}

func TestValidator_min_tasks(t *testing.T) {
	tmpl := map[string]any{
		"id": "one", "name": "One", "version": "1", "category": "analysis",
		"searches": []any{map[string]any{"id": "only", "query": "index=main"}},
	}
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "searches", CodeMinTasks) {
		t.Errorf("errs = %v, want MIN_TASKS", errs)
	}
}

func TestValidator_parallel_not_bool(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 0)["parallel"] = "yes"
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].parallel", CodeInvalidType) {
		t.Errorf("errs = %v, want INVALID_TYPE at parallel", errs)
	}
}

func TestValidator_max_parallel(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 0)["max_parallel"] = 0
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[0].max_parallel", CodeInvalidValue) {
		t.Errorf("errs = %v, want INVALID_VALUE at max_parallel", errs)
	}

	tmpl = validTemplate()
	phase(tmpl, 0)["max_parallel"] = float64(2)
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if def.Phases[0].MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", def.Phases[0].MaxParallel)
	}
}

func TestValidator_timeout_forms(t *testing.T) {
	cases := []struct {
		raw  any
		want time.Duration
	}{
		{raw: 30, want: 30 * time.Second},
		{raw: float64(90), want: 90 * time.Second},
		{raw: "2m", want: 2 * time.Minute},
	}
	for _, tc := range cases {
		tmpl := validTemplate()
		task(tmpl, 0, 0)["timeout"] = tc.raw
		def, errs := NewValidator().Validate(tmpl)
		if len(errs) > 0 {
			t.Fatalf("timeout %v: errors = %v", tc.raw, errs)
		}
		if got := def.Phases[0].Tasks[0].Timeout; got != tc.want {
			t.Errorf("timeout %v: got %v, want %v", tc.raw, got, tc.want)
		}
	}

	tmpl := validTemplate()
	task(tmpl, 0, 0)["timeout"] = -5
	if _, errs := NewValidator().Validate(tmpl); !hasCode(errs, CodeInvalidValue) {
		t.Errorf("negative timeout accepted: %v", errs)
	}
}

func TestValidator_optionality(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["mandatory"] = false
	task(tmpl, 0, 1)["optional"] = true
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if !def.Phases[1].Optional {
		t.Error("mandatory: false should make the phase optional")
	}
	if !def.Phases[0].Tasks[1].Optional {
		t.Error("task optional flag lost")
	}
	if def.Phases[0].Optional || def.Phases[0].Tasks[0].Optional {
		t.Error("unmarked phase and task must be required")
	}
}

func TestValidator_requirements(t *testing.T) {
	tmpl := validTemplate()
	tmpl["requirements"] = map[string]any{
		"query_worker":     map[string]any{"required": true, "description": "runs searches"},
		"synthesis_worker": map[string]any{"required": false},
	}
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("Validate() errors = %v", errs)
	}
	if len(def.Requirements) != 2 {
		t.Fatalf("Requirements = %+v", def.Requirements)
	}
	if def.Requirements[0].Name != "query_worker" || !def.Requirements[0].Required {
		t.Errorf("Requirements[0] = %+v", def.Requirements[0])
	}
	if def.Requirements[1].Required {
		t.Errorf("Requirements[1].Required = true, want false")
	}
}

func TestValidator_collects_all_errors_in_order(t *testing.T) {
	tmpl := validTemplate()
	tmpl["category"] = "finance"
	delete(tmpl, "version")
	task(tmpl, 0, 0)["query"] = ""
	phase(tmpl, 1)["depends_on"] = []any{"ghost"}

	_, errs := NewValidator().Validate(tmpl)
	if len(errs) < 4 {
		t.Fatalf("errs = %v, want at least 4", errs)
	}
	order := []string{CodeRequired, CodeInvalidEnum, CodeRefNotFound, CodeRequired}
	for i, code := range order {
		if errs[i].Code != code {
			t.Errorf("errs[%d].Code = %q, want %q (all: %v)", i, errs[i].Code, code, errs)
		}
	}
	if errs[0].Path != "version" {
		t.Errorf("errs[0].Path = %q, want version", errs[0].Path)
	}
}

func TestValidator_nil_and_garbage(t *testing.T) {
	if _, errs := NewValidator().Validate(nil); len(errs) == 0 {
		t.Error("nil template accepted")
	}
	garbage := map[string]any{
		"id": []any{1}, "phases": []any{"not a map", 3, map[string]any{"searches": "x"}},
	}
	if _, errs := NewValidator().Validate(garbage); len(errs) == 0 {
		t.Error("garbage template accepted")
	}
}

func TestValidTimeExpr(t *testing.T) {
	valid := []string{"", "now", "NOW", "0", "-24h@h", "-7d@d", "-30m", "+1h", "@d", "-1d@w1",
		"-1d@d+8h", "-h", "-2mon@mon", "1700000000", "2024-03-01T10:00:00Z", "2024-03-01", "03/01/2024:10:00:00"}
	for _, s := range valid {
		if !ValidTimeExpr(s) {
			t.Errorf("ValidTimeExpr(%q) = false, want true", s)
		}
	}
	invalid := []string{"yesterday", "-24", "24h ago", "-2x", "@", "--1h"}
	for _, s := range invalid {
		if ValidTimeExpr(s) {
			t.Errorf("ValidTimeExpr(%q) = true, want false", s)
		}
	}
}

func TestFieldErrors(t *testing.T) {
	fe := FieldErrors([]VError{{Path: "id", Code: CodeRequired, Message: "id is required"}})
	if len(fe) != 1 || fe[0].Field != "id" || fe[0].Code != CodeRequired {
		t.Errorf("FieldErrors() = %+v", fe)
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func hasPath(errs []VError, path, code string) bool {
	for _, e := range errs {
		if e.Path == path && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_timeout_out_of_range(t *testing.T) {
	for _, raw := range []any{300000000000, float64(300000000000), uint64(1) << 63, int64(1) << 62} {
		tmpl := validTemplate()
		task(tmpl, 0, 0)["timeout"] = raw
		if _, errs := NewValidator().Validate(tmpl); !hasPath(errs, "phases[0].searches[0].timeout", CodeInvalidValue) {
			t.Errorf("timeout %v (%T): errors = %v, want INVALID_VALUE", raw, raw, errs)
		}
	}

	tmpl := validTemplate()
	task(tmpl, 0, 0)["timeout"] = float64(maxTimeoutSeconds)
	if _, errs := NewValidator().Validate(tmpl); len(errs) > 0 {
		t.Errorf("largest representable timeout rejected: %v", errs)
	}
}

func TestValidator_max_parallel_on_sequential_phase(t *testing.T) {
	tmpl := validTemplate()
	phase(tmpl, 1)["max_parallel"] = 3
	_, errs := NewValidator().Validate(tmpl)
	if !hasPath(errs, "phases[1].max_parallel", CodeInvalidValue) {
		t.Errorf("errs = %v, want INVALID_VALUE at phases[1].max_parallel", errs)
	}

	tmpl = validTemplate()
	phase(tmpl, 1)["max_parallel"] = 1
	def, errs := NewValidator().Validate(tmpl)
	if len(errs) > 0 {
		t.Fatalf("max_parallel 1 on a sequential phase: errors = %v", errs)
	}
	if def.Phases[1].MaxParallel != 1 {
		t.Errorf("MaxParallel = %d, want 1", def.Phases[1].MaxParallel)
	}
}
