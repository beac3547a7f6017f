package response

import (
	"encoding/json"
	"net/http"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeInvalidSchema = "INVALID_SCHEMA"
	CodeUnknownSchema = "UNKNOWN_SCHEMA"
	CodeInvalidRoom   = "INVALID_ROOM"
	CodeNotFound      = "NOT_FOUND"
	CodeTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternal      = "INTERNAL"
)

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// Error writes a failure envelope with a machine-readable code.
func Error(w http.ResponseWriter, statusCode int, code, err string) {
	write(w, statusCode, Response{
		Success: false,
		Error:   err,
		Code:    code,
	})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, CodeBadRequest, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, CodeNotFound, err)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, CodeInternal, err)
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
