package domain

// SchemaError is one structured JSON Schema validation failure.
type SchemaError struct {
	InstancePath string         `json:"instancePath"`
	Message      string         `json:"message"`
	Keyword      string         `json:"keyword"`
	Params       map[string]any `json:"params"`
}

type SchemaAmbiguity struct {
	Path        string   `json:"path"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
	Suggested   string   `json:"suggested"`
}

type SchemaInferenceResult struct {
	Schema      map[string]any    `json:"schema"`
	Ambiguities []SchemaAmbiguity `json:"ambiguities"`
}

type TemplateErrorCode string

const (
	CodeMaxDepthExceeded     TemplateErrorCode = "MAX_DEPTH_EXCEEDED"
	CodeForbiddenExecution   TemplateErrorCode = "FORBIDDEN_EXECUTION"
	CodeInvalidBindingPrefix TemplateErrorCode = "INVALID_BINDING_PREFIX"
	CodeTemplateTooLarge     TemplateErrorCode = "TEMPLATE_TOO_LARGE"
	CodeUnbalancedBlock      TemplateErrorCode = "UNBALANCED_BLOCK"
)

type TemplateError struct {
	Path    string            `json:"path"`
	Message string            `json:"message"`
	Code    TemplateErrorCode `json:"code"`
}

type TemplateResult struct {
	Valid  bool            `json:"valid"`
	Errors []TemplateError `json:"errors"`
}

func (r TemplateResult) HasCode(code TemplateErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
