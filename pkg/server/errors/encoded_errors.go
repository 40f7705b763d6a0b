package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error codes carried in the "code" field of every error body.
const (
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeBadRequest          = "bad_request"
	CodeUnprocessableEntity = "unprocessable_entity"
	CodeInvalidToken        = "invalid_token"
	CodeTokenClaimError     = "token_claim_error"
	CodeHandlerNotFound     = "handler_not_found"
	CodeTimeout             = "timeout"
	CodeInternalError       = "internal_error"
)

// ErrorResponse is the JSON body written for a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodedError is an error that knows the HTTP status and public body it maps to.
type EncodedError struct {
	HTTPStatusCode int
	ActualError    ErrorResponse
}

// Error returns the public message.
func (e *EncodedError) Error() string {
	return e.ActualError.Message
}

// HTTPStatus returns the HTTP status code.
func (e *EncodedError) HTTPStatus() int {
	return e.HTTPStatusCode
}

// Code returns the error code.
func (e *EncodedError) Code() string {
	return e.ActualError.Code
}

// NewEncodedError returns an error with the given status, code and message.
func NewEncodedError(status int, code, message string) *EncodedError {
	return &EncodedError{
		HTTPStatusCode: status,
		ActualError: ErrorResponse{
			Code:    code,
			Message: message,
		},
	}
}

// WriteError writes err as a JSON error body. Errors that are not encoded
// are treated as internal.
func WriteError(w http.ResponseWriter, err error) {
	encoded := Encode(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(encoded.HTTPStatusCode)

	responseBody, marshalErr := json.Marshal(encoded.ActualError)
	if marshalErr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(responseBody)
}

// Encode returns the encoded form of err. Unrecognised errors encode as a
// 500 that only carries the public message.
func Encode(err error) *EncodedError {
	handled := HandleError("", err)

	var encoded *EncodedError
	if errors.As(handled, &encoded) {
		return encoded
	}
	return NewEncodedError(http.StatusInternalServerError, CodeInternalError, handled.Error())
}
