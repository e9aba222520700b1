// Package toolrun invokes the external tools an update chains together:
// project generation, the build tool, the packaging tool and custom steps.
//
// Argument strings from configuration are split with shell quoting rules and
// may reference $(Name) variables supplied by the caller.
package toolrun
