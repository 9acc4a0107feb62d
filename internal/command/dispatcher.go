// SPDX-License-Identifier: MIT

package command

import "context"

// Result captures one command execution: exit code plus captured output
// streams.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Dispatcher executes a full command given its argv. The coordination core
// treats it as opaque: argument parsing, browser-protocol semantics and
// output formatting all live behind this port.
type Dispatcher interface {
	Dispatch(ctx context.Context, argv []string) Result
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, argv []string) Result

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, argv []string) Result {
	return f(ctx, argv)
}
