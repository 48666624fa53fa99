package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/flowpilot/model"
)

// WorkflowSummary is one row of the catalog listing.
type WorkflowSummary struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Category    model.Category   `json:"category"`
	Complexity  model.Complexity `json:"complexity"`
	Stability   model.Stability  `json:"stability"`
	Source      model.Source     `json:"source"`
	PhaseCount  int              `json:"phase_count"`
	TaskCount   int              `json:"task_count"`
}

func summarize(def model.WorkflowDefinition) WorkflowSummary {
	s := WorkflowSummary{
		ID:          def.ID,
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Category:    def.Category,
		Complexity:  def.Complexity,
		Stability:   def.Stability,
		Source:      def.Source,
		PhaseCount:  len(def.Phases),
	}
	for _, p := range def.Phases {
		s.TaskCount += len(p.Tasks)
	}
	return s
}

// listWorkflows handles GET /workflows. The optional category, source,
// complexity and stability query parameters filter the listing.
func (h *handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	catalog := h.registry.Current()
	q := r.URL.Query()
	filters := []struct {
		want string
		get  func(model.WorkflowDefinition) string
	}{
		{q.Get("category"), func(d model.WorkflowDefinition) string { return string(d.Category) }},
		{q.Get("source"), func(d model.WorkflowDefinition) string { return string(d.Source) }},
		{q.Get("complexity"), func(d model.WorkflowDefinition) string { return string(d.Complexity) }},
		{q.Get("stability"), func(d model.WorkflowDefinition) string { return string(d.Stability) }},
	}

	out := make([]WorkflowSummary, 0, catalog.Len())
next:
	for _, def := range catalog.All() {
		for _, f := range filters {
			if f.want != "" && f.get(def) != f.want {
				continue next
			}
		}
		out = append(out, summarize(def))
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": out,
		"count":     len(out),
		"checksum":  catalog.Checksum(),
	})
}

// getWorkflow handles GET /workflows/{workflowId}.
func (h *handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowId")
	def, ok := h.registry.Workflow(id)
	if !ok {
		WriteError(w, model.NewWorkflowNotFoundError(id))
		return
	}
	WriteJSON(w, http.StatusOK, def)
}
