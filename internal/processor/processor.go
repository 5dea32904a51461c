// Package processor defines the per-file transformation contract that
// isolated units run for every work item.
package processor

import "context"

// WriteOptions carries the per-submission settings a processor needs when
// emitting output.
type WriteOptions struct {
	ProjectRoot string
	AutoModify  bool
}

// FileProcessor turns one source item into at most one output.
//
// Parse returns a nil representation when the item has nothing to generate;
// that is not an error. Write returns "" when it produced no output.
type FileProcessor interface {
	Parse(ctx context.Context, item string) (any, error)
	Write(ctx context.Context, ir any, opts WriteOptions) (string, error)
}

// Funcs adapts a pair of functions to FileProcessor.
type Funcs struct {
	ParseFunc func(ctx context.Context, item string) (any, error)
	WriteFunc func(ctx context.Context, ir any, opts WriteOptions) (string, error)
}

var _ FileProcessor = Funcs{}

// Parse calls ParseFunc.
func (f Funcs) Parse(ctx context.Context, item string) (any, error) {
	return f.ParseFunc(ctx, item)
}

// Write calls WriteFunc.
func (f Funcs) Write(ctx context.Context, ir any, opts WriteOptions) (string, error) {
	return f.WriteFunc(ctx, ir, opts)
}
