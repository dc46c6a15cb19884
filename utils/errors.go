package utils

import "fmt"

// RunAndWrapOnError runs the supplied cleanup function and, if it errors,
// wraps the existing error with it so neither is lost.
func RunAndWrapOnError(cleanup func() error, existingErr error) error {
	if cleanupErr := cleanup(); cleanupErr != nil {
		if existingErr == nil {
			return cleanupErr
		}
		return fmt.Errorf(`failed to run cleanup: %v with existing err: %w`, cleanupErr, existingErr)
	}
	return existingErr
}
