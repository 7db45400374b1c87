/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package platform

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// transientError marks a failure worth retrying at the caller.
type transientError struct {
	error
}

func (e *transientError) Unwrap() error { return e.error }

// fatalError marks a failure that must be surfaced and skipped this tick.
type fatalError struct {
	error
}

func (e *fatalError) Unwrap() error { return e.error }

// Transient wraps err as a PlatformTransient failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err}
}

// Fatal wraps err as a PlatformFatal failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	var f *fatalError
	if errors.As(err, &f) {
		return false
	}
	return isRetryableAPIError(err)
}

// IsFatal reports whether err must be surfaced without retrying.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// Classify wraps an apiserver error into the engine's taxonomy. Conflicts,
// timeouts and 5xx are transient; everything else (auth failures, other
// 4xx) is fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableAPIError(err) {
		return Transient(err)
	}
	return Fatal(err)
}

func isRetryableAPIError(err error) bool {
	var netErr net.Error
	return apierrors.IsConflict(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsUnexpectedServerError(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
