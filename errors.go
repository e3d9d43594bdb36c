package cdpilot

import "fmt"

// Error is a cdpilot error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error types.
const (
	// ErrInvalidWebsocketMessage is the invalid websocket message error.
	ErrInvalidWebsocketMessage Error = "invalid websocket message"

	// ErrTransportClosed is returned for sends that were in flight, or
	// attempted, after the transport closed.
	ErrTransportClosed Error = "transport closed"

	// ErrSessionClosed is returned when sending on a detached session.
	ErrSessionClosed Error = "session closed"

	// ErrNavigationSuperseded is returned when a navigation wait is
	// interrupted by a newer navigation on the same frame.
	ErrNavigationSuperseded Error = "navigation superseded by a newer navigation"

	// ErrNavigationCanceled is returned when the caller's context is
	// canceled while a navigation wait is pending.
	ErrNavigationCanceled Error = "navigation canceled"

	// ErrMainFrameDetached is returned when the main frame detaches for a
	// reason other than a cross-process swap while a wait is pending.
	ErrMainFrameDetached Error = "main frame detached"

	// ErrLifecycleTimeout is returned when the requested load state is not
	// reached before the deadline.
	ErrLifecycleTimeout Error = "timed out waiting for load state"

	// ErrElementNotFound is returned when a selector matches no element.
	ErrElementNotFound Error = "element not found"

	// ErrFrameDetached is returned when the frame a locator is bound to no
	// longer exists.
	ErrFrameDetached Error = "frame detached"

	// ErrShadowHostDetached is returned when a shadow host resolved during
	// a previous hop has been removed from the document.
	ErrShadowHostDetached Error = "shadow host detached"

	// ErrNavigationDuringResolve is returned when a navigation invalidates
	// selector resolution mid-flight. Resolution is retried once.
	ErrNavigationDuringResolve Error = "navigation occurred during selector resolution"

	// ErrInvalidBoxModel is returned when element geometry is unavailable.
	ErrInvalidBoxModel Error = "invalid box model"

	// ErrNoSuchPage is returned when the requested page is gone.
	ErrNoSuchPage Error = "no such page"

	// ErrInvalidKeyCombo is returned for key combos that name no key.
	ErrInvalidKeyCombo Error = "invalid key combination"
)

// EvaluationError wraps a JavaScript exception thrown while evaluating in the
// page.
type EvaluationError struct {
	// Text is the exception text reported by the runtime.
	Text string
	// Detail carries the exception description when available.
	Detail string
}

// Error satisfies the error interface.
func (e *EvaluationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("evaluation threw: %s: %s", e.Text, e.Detail)
	}
	return fmt.Sprintf("evaluation threw: %s", e.Text)
}

// ActionError wraps a failed locator action with the selector that resolved
// it.
type ActionError struct {
	Action   string
	Selector string
	Err      error
}

// Error satisfies the error interface.
func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Action, e.Selector, e.Err)
}

// Unwrap satisfies errors.Unwrap.
func (e *ActionError) Unwrap() error {
	return e.Err
}
