package definition

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/flowpilot/model"
)

// Validation error codes.
const (
	CodeRequired      = "REQUIRED"
	CodeInvalidType   = "INVALID_TYPE"
	CodeInvalidEnum   = "INVALID_ENUM"
	CodeInvalidValue  = "INVALID_VALUE"
	CodeDuplicateID   = "DUPLICATE_ID"
	CodeRefNotFound   = "REF_NOT_FOUND"
	CodeCycleDetected = "CYCLE_DETECTED"
	CodeMinTasks      = "MIN_TASKS"
	CodeInvalidTime   = "INVALID_TIME"
)

// MinTasks is the smallest number of tasks a workflow may declare.
const MinTasks = 2

// VError describes a single validation error in a workflow template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors to the API error detail shape.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}

// Check stages. Errors are reported grouped by stage, in this order.
const (
	stageStructure = iota + 1
	stageEnums
	stageIdentity
	stageDependencies
	stageQueries
	stageCounts
)

var (
	validCategories = map[model.Category]bool{
		model.CategorySecurity: true, model.CategoryPerformance: true,
		model.CategoryTroubleshooting: true, model.CategoryAnalysis: true,
		model.CategoryMonitoring: true, model.CategoryDataQuality: true,
	}
	validComplexities = map[model.Complexity]bool{
		model.ComplexityBeginner: true, model.ComplexityIntermediate: true, model.ComplexityAdvanced: true,
	}
	validStabilities = map[model.Stability]bool{
		model.StabilityStable: true, model.StabilityExperimental: true,
	}
	validSources = map[model.Source]bool{
		model.SourceCore: true, model.SourceContrib: true,
	}

	workflowIDRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// Validator turns a raw parsed template into a WorkflowDefinition.
type Validator struct {
	defaultTimeout time.Duration
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithDefaultTimeout overrides the per-task timeout applied when a task
// declares none.
func WithDefaultTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.defaultTimeout = d
		}
	}
}

// NewValidator creates a new Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{defaultTimeout: model.DefaultTaskTimeout}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate checks a raw template and returns the materialized definition
// with defaults applied. On failure every detected problem is returned and
// the definition is the zero value. Validate never panics on malformed
// input and has no side effects.
func (v *Validator) Validate(raw map[string]any) (model.WorkflowDefinition, []VError) {
	c := &collector{}
	def := model.WorkflowDefinition{}

	if raw == nil {
		c.add(stageStructure, "", CodeRequired, "template is empty")
		return model.WorkflowDefinition{}, c.sorted()
	}

	// 1. Required top-level fields.
	def.ID = c.requiredString(raw, "", "id", "workflow_id")
	if def.ID != "" && !workflowIDRe.MatchString(def.ID) {
		c.add(stageStructure, "id", CodeInvalidValue,
			fmt.Sprintf("id %q may only contain letters, digits, '.', '_' and '-'", def.ID))
	}
	def.Name = c.requiredString(raw, "", "name", "workflow_name")
	def.Version = c.requiredString(raw, "", "version")
	def.Description = c.optionalString(raw, "", "description")
	category := c.requiredString(raw, "", "category")
	complexity := c.optionalString(raw, "", "complexity")
	stability := c.optionalString(raw, "", "stability")
	source := c.optionalString(raw, "", "source")
	def.Disabled, _ = c.optionalBool(raw, "", stageStructure, "disabled")
	def.Requirements = c.requirements(raw)

	searches, hasSearches := raw["searches"]
	phases, hasPhases := raw["phases"]
	switch {
	case hasSearches && hasPhases:
		c.add(stageStructure, "", CodeInvalidValue, "exactly one of searches or phases must be given, not both")
		return model.WorkflowDefinition{}, c.sorted()
	case !hasSearches && !hasPhases:
		c.add(stageStructure, "", CodeRequired, "one of searches or phases is required")
		return model.WorkflowDefinition{}, c.sorted()
	}

	// 2. Enumerations.
	if category != "" {
		def.Category = model.Category(strings.ReplaceAll(category, "-", "_"))
		if !validCategories[def.Category] {
			c.add(stageEnums, "category", CodeInvalidEnum, fmt.Sprintf("invalid category %q", category))
		}
	}
	if complexity != "" {
		def.Complexity = model.Complexity(complexity)
		if !validComplexities[def.Complexity] {
			c.add(stageEnums, "complexity", CodeInvalidEnum, fmt.Sprintf("invalid complexity %q", complexity))
		}
	}
	if stability != "" {
		def.Stability = model.Stability(stability)
		if !validStabilities[def.Stability] {
			c.add(stageEnums, "stability", CodeInvalidEnum, fmt.Sprintf("invalid stability %q", stability))
		}
	}
	if source != "" {
		def.Source = model.Source(source)
		if !validSources[def.Source] {
			c.add(stageEnums, "source", CodeInvalidEnum, fmt.Sprintf("invalid source %q", source))
		}
	}

	// 3-6. Body. The shorthand form becomes a single phase here so nothing
	// downstream needs to know which shape the file used.
	bodyPath := "phases"
	if hasSearches {
		bodyPath = "searches"
		list, ok := searches.([]any)
		if !ok {
			c.add(stageStructure, "searches", CodeInvalidType, "searches must be a list")
			return model.WorkflowDefinition{}, c.sorted()
		}
		parallel, _ := c.optionalBool(raw, "", stageCounts, "parallel")
		def.Phases = []model.PhaseDefinition{{
			ID:       "main",
			Title:    def.Name,
			Parallel: parallel,
			Tasks:    v.tasks(c, "searches", list),
		}}
		if len(list) == 0 {
			c.add(stageIdentity, "searches", CodeRequired, "at least one search is required")
		}
	} else {
		list, ok := phases.([]any)
		if !ok {
			c.add(stageStructure, "phases", CodeInvalidType, "phases must be a list")
			return model.WorkflowDefinition{}, c.sorted()
		}
		if len(list) == 0 {
			c.add(stageStructure, "phases", CodeRequired, "at least one phase is required")
			return model.WorkflowDefinition{}, c.sorted()
		}
		def.Phases = v.phases(c, list)
		checkDependencies(c, def.Phases)
	}

	if n := def.TaskCount(); n < MinTasks {
		c.add(stageCounts, bodyPath, CodeMinTasks,
			fmt.Sprintf("workflow declares %d task(s); at least %d are required", n, MinTasks))
	}

	if c.len() > 0 {
		return model.WorkflowDefinition{}, c.sorted()
	}

	v.applyDefaults(&def)
	return def, nil
}

// applyDefaults fills every field the template may leave empty. It is the
// only place default policy lives.
func (v *Validator) applyDefaults(def *model.WorkflowDefinition) {
	if def.Stability == "" {
		def.Stability = model.StabilityExperimental
	}
	if def.Complexity == "" {
		def.Complexity = model.ComplexityIntermediate
	}
	for i := range def.Phases {
		p := &def.Phases[i]
		if p.Title == "" {
			p.Title = p.ID
		}
		if !p.Parallel {
			p.MaxParallel = 1
		}
		for j := range p.Tasks {
			t := &p.Tasks[j]
			if t.Title == "" {
				t.Title = t.ID
			}
			if t.Worker == "" {
				t.Worker = model.WorkerQuery
			}
			if t.Window.Earliest == "" {
				t.Window.Earliest = model.DefaultEarliest
			}
			if t.Window.Latest == "" {
				t.Window.Latest = model.DefaultLatest
			}
			if t.Timeout <= 0 {
				t.Timeout = v.defaultTimeout
			}
		}
	}
}

func (v *Validator) phases(c *collector, list []any) []model.PhaseDefinition {
	out := make([]model.PhaseDefinition, 0, len(list))
	seen := make(map[string]int)

	for i, item := range list {
		path := fmt.Sprintf("phases[%d]", i)
		m, ok := item.(map[string]any)
		if !ok {
			c.add(stageStructure, path, CodeInvalidType, "phase must be a mapping")
			continue
		}

		p := model.PhaseDefinition{}
		p.ID = c.optionalString(m, path, "id", "name")
		if p.ID == "" {
			p.ID = fmt.Sprintf("phase_%d", i+1)
		}
		if first, dup := seen[p.ID]; dup {
			c.add(stageIdentity, path+".id", CodeDuplicateID,
				fmt.Sprintf("phase id %q already used by phases[%d]", p.ID, first))
		} else {
			seen[p.ID] = i
		}

		p.Title = c.optionalString(m, path, "title")
		if p.Title == "" {
			p.Title = c.optionalString(m, path, "name")
		}
		p.Description = c.optionalString(m, path, "description")
		p.Parallel, _ = c.optionalBool(m, path, stageCounts, "parallel")
		p.StopOnError, _ = c.optionalBool(m, path, stageCounts, "stop_on_error")
		p.Optional = c.optionality(m, path)
		p.DependsOn = c.stringList(m, path, "depends_on")

		if raw, ok := m["max_parallel"]; ok && raw != nil {
			n, ok := asInt(raw)
			switch {
			case !ok || n < 1:
				c.add(stageCounts, path+".max_parallel", CodeInvalidValue, "max_parallel must be a positive integer")
			case n > 1 && !p.Parallel:
				c.add(stageCounts, path+".max_parallel", CodeInvalidValue,
					fmt.Sprintf("max_parallel %d requires parallel: true", n))
			default:
				p.MaxParallel = n
			}
		}

		tasksKey := "searches"
		rawTasks, ok := m[tasksKey]
		if !ok {
			tasksKey = "tasks"
			rawTasks = m[tasksKey]
		}
		taskList, isList := rawTasks.([]any)
		switch {
		case rawTasks != nil && !isList:
			c.add(stageStructure, path+"."+tasksKey, CodeInvalidType, "tasks must be a list")
		case len(taskList) == 0:
			c.add(stageIdentity, path+".searches", CodeRequired,
				fmt.Sprintf("phase %q must contain at least one task", p.ID))
		default:
			p.Tasks = v.tasks(c, path+"."+tasksKey, taskList)
		}

		out = append(out, p)
	}
	return out
}

func (v *Validator) tasks(c *collector, prefix string, list []any) []model.TaskDefinition {
	out := make([]model.TaskDefinition, 0, len(list))
	seen := make(map[string]int)

	for i, item := range list {
		path := fmt.Sprintf("%s[%d]", prefix, i)
		m, ok := item.(map[string]any)
		if !ok {
			c.add(stageStructure, path, CodeInvalidType, "task must be a mapping")
			continue
		}

		t := model.TaskDefinition{}
		t.ID = c.optionalString(m, path, "id", "task_id", "name")
		if t.ID == "" {
			c.add(stageIdentity, path+".id", CodeRequired, "task id is required")
		} else if first, dup := seen[t.ID]; dup {
			c.add(stageIdentity, path+".id", CodeDuplicateID,
				fmt.Sprintf("task id %q already used by %s[%d]", t.ID, prefix, first))
		} else {
			seen[t.ID] = i
		}

		t.Title = c.optionalString(m, path, "title")
		t.Description = c.optionalString(m, path, "description")
		t.ExpectedResults = c.optionalString(m, path, "expected_results", "expected_output")
		t.Optional = c.optionality(m, path)

		t.Worker = c.optionalString(m, path, "worker")
		if t.Worker != "" && t.Worker != model.WorkerQuery {
			c.add(stageEnums, path+".worker", CodeInvalidEnum,
				fmt.Sprintf("unsupported worker %q; only %q is available", t.Worker, model.WorkerQuery))
		}

		t.Query = c.optionalString(m, path, "query", "search_query", "spl")
		if strings.TrimSpace(t.Query) == "" {
			c.add(stageQueries, path+".query", CodeRequired, "query must not be empty")
		} else if msg := querySanity(t.Query); msg != "" {
			c.add(stageQueries, path+".query", CodeInvalidValue, msg)
		} else {
			t.Query = strings.TrimSpace(t.Query)
		}

		t.Window = c.window(m, path)

		if raw, key := firstPresent(m, "timeout", "timeout_sec"); key != "" {
			d, ok := asDuration(raw)
			if !ok {
				c.add(stageCounts, path+"."+key, CodeInvalidValue,
					"timeout must be a positive number of seconds or a duration such as \"90s\"")
			} else {
				t.Timeout = d
			}
		}

		out = append(out, t)
	}
	return out
}

// checkDependencies resolves depends_on references and rejects cycles.
func checkDependencies(c *collector, phases []model.PhaseDefinition) {
	ids := make(map[string]bool, len(phases))
	for _, p := range phases {
		ids[p.ID] = true
	}

	edges := make(map[string][]string, len(phases))
	for i, p := range phases {
		for _, dep := range p.DependsOn {
			if !ids[dep] {
				c.add(stageDependencies, fmt.Sprintf("phases[%d].depends_on", i), CodeRefNotFound,
					fmt.Sprintf("phase %q depends on unknown phase %q", p.ID, dep))
				continue
			}
			edges[p.ID] = append(edges[p.ID], dep)
		}
	}

	if cycle := findCycle(phases, edges); cycle != nil {
		c.add(stageDependencies, "phases", CodeCycleDetected,
			"dependency cycle detected: "+strings.Join(cycle, " -> "))
	}
}

// findCycle runs a coloured DFS in declaration order and returns the first
// cycle found, closed with its starting phase.
func findCycle(phases []model.PhaseDefinition, edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(phases))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		stack = append(stack, id)
		for _, next := range edges[id] {
			switch colour[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return false
	}

	for _, p := range phases {
		if colour[p.ID] == white && visit(p.ID) {
			return cycle
		}
	}
	return nil
}

// querySanity performs a shallow syntax check. It does not parse the query
// language; it only catches obviously truncated queries.
func querySanity(q string) string {
	if strings.Count(q, `"`)%2 != 0 {
		return "query has an unbalanced double quote"
	}
	depth := 0
	inQuote := false
	for _, r := range q {
		switch r {
		case '"':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
				if depth < 0 {
					return "query has an unmatched closing parenthesis"
				}
			}
		}
	}
	if depth != 0 {
		return "query has an unclosed parenthesis"
	}
	return ""
}

// --- collector ---

type stagedError struct {
	stage int
	err   VError
}

type collector struct {
	errs []stagedError
}

func (c *collector) add(stage int, path, code, msg string) {
	c.errs = append(c.errs, stagedError{stage: stage, err: VError{Path: path, Code: code, Message: msg}})
}

func (c *collector) len() int { return len(c.errs) }

func (c *collector) sorted() []VError {
	sort.SliceStable(c.errs, func(i, j int) bool { return c.errs[i].stage < c.errs[j].stage })
	out := make([]VError, len(c.errs))
	for i, e := range c.errs {
		out[i] = e.err
	}
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// requiredString reads the first present key. A missing key is reported
// under the first key name.
func (c *collector) requiredString(m map[string]any, prefix string, keys ...string) string {
	raw, key := firstPresent(m, keys...)
	if key == "" || raw == nil {
		c.add(stageStructure, join(prefix, keys[0]), CodeRequired, keys[0]+" is required")
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		c.add(stageStructure, join(prefix, key), CodeInvalidType, key+" must be a string")
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		c.add(stageStructure, join(prefix, key), CodeRequired, key+" must not be blank")
	}
	return s
}

func (c *collector) optionalString(m map[string]any, prefix string, keys ...string) string {
	raw, key := firstPresent(m, keys...)
	if key == "" || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		c.add(stageStructure, join(prefix, key), CodeInvalidType, key+" must be a string")
		return ""
	}
	return s
}

func (c *collector) optionalBool(m map[string]any, prefix string, stage int, key string) (bool, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return false, false
	}
	b, ok := raw.(bool)
	if !ok {
		c.add(stage, join(prefix, key), CodeInvalidType, key+" must be a boolean")
		return false, false
	}
	return b, true
}

// optionality reads "optional", or its inverse "mandatory".
func (c *collector) optionality(m map[string]any, prefix string) bool {
	optional, hasOptional := c.optionalBool(m, prefix, stageCounts, "optional")
	mandatory, hasMandatory := c.optionalBool(m, prefix, stageCounts, "mandatory")
	if hasOptional && hasMandatory && optional == mandatory {
		c.add(stageCounts, join(prefix, "optional"), CodeInvalidValue, "optional and mandatory contradict each other")
	}
	if hasOptional {
		return optional
	}
	if hasMandatory {
		return !mandatory
	}
	return false
}

func (c *collector) stringList(m map[string]any, prefix, key string) []string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil
	}
	if s, ok := raw.(string); ok {
		return []string{s}
	}
	list, ok := raw.([]any)
	if !ok {
		c.add(stageDependencies, join(prefix, key), CodeInvalidType, key+" must be a list of phase ids")
		return nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			c.add(stageDependencies, fmt.Sprintf("%s[%d]", join(prefix, key), i), CodeInvalidType, "phase id must be a non-empty string")
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *collector) window(m map[string]any, prefix string) model.TimeWindow {
	src, srcPrefix := m, prefix
	if nested, ok := m["window"].(map[string]any); ok {
		src, srcPrefix = nested, join(prefix, "window")
	}
	w := model.TimeWindow{
		Earliest: c.optionalString(src, srcPrefix, "earliest", "earliest_time"),
		Latest:   c.optionalString(src, srcPrefix, "latest", "latest_time"),
	}
	if !ValidTimeExpr(w.Earliest) {
		c.add(stageQueries, join(srcPrefix, "earliest"), CodeInvalidTime,
			fmt.Sprintf("earliest %q is not a recognized time expression", w.Earliest))
	}
	if !ValidTimeExpr(w.Latest) {
		c.add(stageQueries, join(srcPrefix, "latest"), CodeInvalidTime,
			fmt.Sprintf("latest %q is not a recognized time expression", w.Latest))
	}
	return model.TimeWindow{Earliest: strings.TrimSpace(w.Earliest), Latest: strings.TrimSpace(w.Latest)}
}

func (c *collector) requirements(raw map[string]any) []model.Requirement {
	val, key := firstPresent(raw, "requirements", "agent_dependencies")
	if key == "" || val == nil {
		return nil
	}

	var out []model.Requirement
	switch deps := val.(type) {
	case map[string]any:
		names := make([]string, 0, len(deps))
		for name := range deps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, c.requirement(join(key, name), name, deps[name]))
		}
	case []any:
		for i, item := range deps {
			path := fmt.Sprintf("%s[%d]", key, i)
			m, ok := item.(map[string]any)
			if !ok {
				c.add(stageStructure, path, CodeInvalidType, "requirement must be a mapping")
				continue
			}
			name := c.optionalString(m, path, "name", "agent_id")
			if name == "" {
				c.add(stageStructure, path+".name", CodeRequired, "requirement name is required")
				continue
			}
			out = append(out, c.requirement(path, name, m))
		}
	default:
		c.add(stageStructure, key, CodeInvalidType, key+" must be a mapping or a list")
	}
	return out
}

func (c *collector) requirement(path, name string, raw any) model.Requirement {
	r := model.Requirement{Name: name, Required: true}
	m, ok := raw.(map[string]any)
	if !ok {
		if raw != nil {
			c.add(stageStructure, path, CodeInvalidType, "requirement must be a mapping")
		}
		return r
	}
	if req, present := c.optionalBool(m, path, stageStructure, "required"); present {
		r.Required = req
	}
	r.Description = c.optionalString(m, path, "description")
	return r
}

// --- raw value helpers ---

func firstPresent(m map[string]any, keys ...string) (any, string) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, k
		}
	}
	return nil, ""
}

// maxTimeoutSeconds is the largest whole-second timeout a time.Duration holds.
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// asDuration reads a timeout written as seconds or as a duration string.
// Values a time.Duration cannot hold are rejected, never wrapped.
func asDuration(v any) (time.Duration, bool) {
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil || d <= 0 {
			return 0, false
		}
		return d, true
	}
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || f <= 0 || f > float64(maxTimeoutSeconds) {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	}
	n, ok := asInt(v)
	if !ok || n <= 0 || int64(n) > maxTimeoutSeconds {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
