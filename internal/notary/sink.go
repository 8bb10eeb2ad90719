package notary

import "context"

// Sink publishes a sealed batch and returns a reference to it.
type Sink interface {
	Name() string
	Publish(ctx context.Context, b Batch) (ref string, err error)
}
