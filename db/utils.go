package db

import "fmt"

// CloseAndWrapOnError runs closeFn and wraps the error pointed to by err with
// the close error, preserving both.
func CloseAndWrapOnError(closeFn func() error, err *error) {
	if closeErr := closeFn(); closeErr != nil {
		if *err == nil {
			*err = closeErr
		} else {
			*err = fmt.Errorf(`failed to close because "%v" with existing err %w`, closeErr, *err)
		}
	}
}
