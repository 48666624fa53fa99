package transport

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

const maxTemplateBytes = 1 << 20

// discover handles POST /discovery: it rescans the configured roots and
// swaps the catalog in one step. Runs already in flight keep the
// definitions they started with.
func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	if h.discoverer == nil {
		WriteError(w, model.NewInternalError())
		return
	}

	catalog, report := h.discoverer.Discover(h.roots)
	h.registry.Replace(catalog)

	observability.LoggerFrom(r.Context(), h.logger).Info("catalog reloaded",
		zap.Int("workflows", catalog.Len()),
		zap.Int("failures", len(report.Failures())),
		zap.String("checksum", catalog.Checksum()),
	)

	WriteJSON(w, http.StatusOK, map[string]any{
		"loaded":   catalog.Len(),
		"checksum": catalog.Checksum(),
		"report":   report,
	})
}

// validate handles POST /validate. The body is a template in JSON, or YAML
// when the format query parameter or the Content-Type says so.
func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	if h.discoverer == nil {
		WriteError(w, model.NewInternalError())
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxTemplateBytes+1))
	if err != nil {
		WriteBadRequest(w, "could not read request body")
		return
	}
	if len(data) > maxTemplateBytes {
		WriteBadRequest(w, "template exceeds 1 MiB")
		return
	}

	raw, err := definition.Parse(data, requestFormat(r))
	if err != nil {
		WriteBadRequest(w, "template is not well-formed: "+err.Error())
		return
	}

	def, errs := h.discoverer.Validate(raw)
	if len(errs) > 0 {
		WriteValidationError(w, definition.FieldErrors(errs))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"definition": def,
	})
}

func requestFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f == "yaml" || f == "yml" {
		return "yaml"
	}
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return "yaml"
	}
	return "json"
}
