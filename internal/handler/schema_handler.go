package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/schema"
	"glyph-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const maxSchemaBody = 1 << 20

type ValidateDataRequest struct {
	Data interface{} `json:"data" validate:"required"`
}

type InferSchemaRequest struct {
	Samples []interface{} `json:"samples" validate:"required,min=1,max=1000"`
}

type CompileSchemaResponse struct {
	ID     string       `json:"id"`
	Cached bool         `json:"cached"`
	Stats  schema.Stats `json:"stats"`
}

type ValidateDataResponse struct {
	Valid  bool                 `json:"valid"`
	Errors []domain.SchemaError `json:"errors"`
	Data   interface{}          `json:"data"`
}

type SchemaHandler struct {
	schemas  *schema.Registry
	validate *validator.Validate
	logger   *slog.Logger
}

func NewSchemaHandler(schemas *schema.Registry, logger *slog.Logger) *SchemaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaHandler{
		schemas:  schemas,
		validate: validator.New(),
		logger:   logger.With("component", "schema_handler"),
	}
}

// Compile registers the request body as the schema for {id}. Compiling an id
// that is already cached returns the cached validator.
func (h *SchemaHandler) Compile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		response.BadRequest(w, "Schema ID is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSchemaBody))
	if err != nil {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "Schema body too large")
		return
	}

	_, cached := h.schemas.Get(id)
	if _, err := h.schemas.Compile(id, body); err != nil {
		if errors.Is(err, schema.ErrInvalidSchema) {
			response.Error(w, http.StatusUnprocessableEntity, response.CodeInvalidSchema, err.Error())
			return
		}
		h.logger.Error("schema compile failed", "schema_id", id, "error", err)
		response.InternalError(w, "Failed to compile schema")
		return
	}

	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	response.JSON(w, status, CompileSchemaResponse{ID: id, Cached: cached, Stats: h.schemas.Stats()})
}

func (h *SchemaHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ValidateDataRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSchemaBody)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	ok, err := h.schemas.Validate(id, req.Data)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownSchema) {
			response.Error(w, http.StatusNotFound, response.CodeUnknownSchema, err.Error())
			return
		}
		response.InternalError(w, "Failed to validate data")
		return
	}

	errs := h.schemas.Errors(id)
	if errs == nil {
		errs = []domain.SchemaError{}
	}
	response.Success(w, ValidateDataResponse{Valid: ok, Errors: errs, Data: req.Data})
}

func (h *SchemaHandler) Infer(w http.ResponseWriter, r *http.Request) {
	var req InferSchemaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSchemaBody)).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	response.Success(w, schema.Infer(req.Samples))
}

func (h *SchemaHandler) List(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{
		"ids":   h.schemas.IDs(),
		"stats": h.schemas.Stats(),
	})
}
