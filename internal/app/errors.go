package app

import "fmt"

// DomainError is a business-rule failure with an HTTP shape: frozen
// versions, approval-gate refusals, eligibility failures. Details carries
// structured payloads such as the full validation result.
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
