// Copyright 2026 The Aegis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import "fmt"

// ErrorClass classifies a discovery failure. Transient classes are retried
// with backoff; permanent classes surface immediately.
type ErrorClass string

const (
	ClassNetwork        ErrorClass = "NETWORK_ERROR"
	ClassTimeout        ErrorClass = "TIMEOUT_ERROR"
	ClassAuthentication ErrorClass = "AUTHENTICATION_ERROR"
	ClassValidation     ErrorClass = "VALIDATION_ERROR"
	ClassConfiguration  ErrorClass = "CONFIGURATION_ERROR"
	ClassServer         ErrorClass = "SERVER_ERROR"
)

// Retryable reports whether failures of this class consume retry budget.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassServer:
		return true
	}
	return false
}

// ClassifiedError is a discovery failure with its classification attached.
// The message is structured diagnostics for admins, never raw exception text.
type ClassifiedError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError creates a classified discovery error
func NewError(class ErrorClass, message string) *ClassifiedError {
	return &ClassifiedError{Class: class, Message: message}
}

// WrapError creates a classified discovery error retaining the cause
func WrapError(class ErrorClass, message string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Message: message, Err: err}
}
