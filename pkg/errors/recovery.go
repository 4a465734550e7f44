package errors

import "fmt"

// CallSafely invokes fn and converts a panic into a transport-failure error so
// that a misbehaving user hook or function becomes a failed attempt instead of
// crashing the worker that ran it.
func CallSafely(component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = New(KindTransportFailure, fmt.Sprintf("%s panicked: %v", component, r)).
				WithCode("PANIC_RECOVERED").
				WithDetail("component", component).
				WithDetail("panic_value", fmt.Sprintf("%v", r))
		}
	}()
	return fn()
}

// CallSafelyValue is CallSafely for functions that return a value.
func CallSafelyValue[T any](component string, fn func() (T, error)) (result T, err error) {
	err = CallSafely(component, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
