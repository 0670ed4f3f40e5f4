// Package result holds the uniform response envelope returned by every
// manager operation and rendered by the HTTP layer.
package result

import "net/http"

// Response is the success envelope. Faults use the same shape without data.
type Response[T any] struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// OK builds a 200 envelope.
func OK[T any](message string, data T) *Response[T] {
	return &Response[T]{Status: http.StatusOK, Message: message, Data: data}
}

// Message builds a 200 envelope that carries no payload.
func Message(message string) *Response[any] {
	return &Response[any]{Status: http.StatusOK, Message: message}
}

// Failure is the envelope rendered for faults and unexpected errors.
type Failure struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}
