package handler

import (
	"encoding/json"
	"net/http"

	"glyph-sync-server/internal/template"
	"glyph-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
)

type ValidateTemplateRequest struct {
	Template string `json:"template" validate:"required"`
}

type TemplateMetrics interface {
	TemplateChecked(valid bool)
}

type TemplateHandler struct {
	templates *template.Validator
	metrics   TemplateMetrics
	validate  *validator.Validate
}

func NewTemplateHandler(templates *template.Validator, metrics TemplateMetrics) *TemplateHandler {
	return &TemplateHandler{
		templates: templates,
		metrics:   metrics,
		validate:  validator.New(),
	}
}

// Validate returns diagnostics for a template. Violations are data, so the
// response is 200 whether or not the template is valid.
func (h *TemplateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateTemplateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*template.DefaultMaxLength)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	result := h.templates.Validate(req.Template)
	if h.metrics != nil {
		h.metrics.TemplateChecked(result.Valid)
	}
	response.Success(w, result)
}
