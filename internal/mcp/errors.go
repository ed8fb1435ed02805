// Package mcp implements the Model Context Protocol tool surface for
// specmem: a thin typed dispatcher over the memory, search, retrieval,
// explanation, and sync stacks.
package mcp

import (
	"context"
	"errors"
	"fmt"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// Custom MCP error codes for specmem.
const (
	// ErrCodeNotFound indicates the requested record does not exist.
	ErrCodeNotFound = -32001

	// ErrCodeEmbeddingUnavailable indicates no embedding provider is reachable.
	ErrCodeEmbeddingUnavailable = -32002

	// ErrCodeTimeout indicates the request timed out or was canceled.
	ErrCodeTimeout = -32003

	// ErrCodeQueueFull indicates the change queue rejected the event.
	ErrCodeQueueFull = -32004

	// ErrCodeStoreUnavailable indicates the database could not be reached.
	ErrCodeStoreUnavailable = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: msg,
	}
}

// MapError converts internal errors to MCP errors. Structured errors map
// by kind; everything else is an internal error.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var se *specerrors.Error
	if errors.As(err, &se) {
		return mapStructured(se)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// mapStructured converts a structured specmem error to an MCPError.
func mapStructured(se *specerrors.Error) *MCPError {
	message := se.Message
	if se.Suggestion != "" {
		message = fmt.Sprintf("%s %s", se.Message, se.Suggestion)
	}

	var code int
	switch se.Kind {
	case specerrors.KindValidation, specerrors.KindDimensionMismatch, specerrors.KindDimensionUnknown:
		code = ErrCodeInvalidParams
	case specerrors.KindNotFound:
		code = ErrCodeNotFound
	case specerrors.KindEmbeddingUnavailable:
		code = ErrCodeEmbeddingUnavailable
	case specerrors.KindStoreTimeout, specerrors.KindDeadlineExceeded, specerrors.KindCancelled:
		code = ErrCodeTimeout
	case specerrors.KindQueueFull:
		code = ErrCodeQueueFull
	case specerrors.KindStoreConnection:
		code = ErrCodeStoreUnavailable
	case specerrors.KindPermissionDenied:
		code = ErrCodeInvalidRequest
	default:
		code = ErrCodeInternalError
	}
	return &MCPError{Code: code, Message: message}
}
