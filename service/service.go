package service

import "context"

// Service defines a blocking task that runs until the given context is
// cancelled. The node runs every registered service in its own goroutine and
// shuts the whole process down when one of them returns an error.
type Service interface {
	Run(ctx context.Context) error
}
