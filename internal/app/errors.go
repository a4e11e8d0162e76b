package app

import "fmt"

// DomainError is a request failure with a stable machine-readable code.
// The HTTP layer serializes it verbatim: Status becomes the response code,
// Code and Message the body, Details the optional details object. The core
// draft packages never produce these; they belong to the service boundary.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
