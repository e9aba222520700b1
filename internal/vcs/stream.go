package vcs

import (
	"context"
	"fmt"
)

// ResolveConcreteStream follows virtual stream parents until it reaches a
// stream that holds files. Revisiting a stream returns ErrStreamCycle.
func ResolveConcreteStream(ctx context.Context, client Client, name string) (string, error) {
	seen := make(map[string]bool)
	for {
		if seen[name] {
			return "", fmt.Errorf("%w: %s", ErrStreamCycle, name)
		}
		seen[name] = true

		spec, err := client.StreamSpec(ctx, name)
		if err != nil {
			return "", fmt.Errorf("unable to get stream spec for %s: %w", name, err)
		}
		if !spec.IsVirtual() {
			return name, nil
		}
		if spec.Parent == "" || spec.Parent == "none" {
			return "", fmt.Errorf("%w: %s", ErrNoStream, name)
		}
		name = spec.Parent
	}
}
