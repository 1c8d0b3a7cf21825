package controllers

import (
	"net/http"
)

// APIError is an error with the HTTP status it should be rendered with
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// HTTPStatus returns the response status of the error
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

func badRequest(msg string) *APIError {
	return &APIError{StatusCode: http.StatusBadRequest, Message: msg}
}

func notFound(msg string) *APIError {
	return &APIError{StatusCode: http.StatusNotFound, Message: msg}
}
