//go:build !windows

package process

// osGroup is the OS-level grouping primitive. Unix has no job objects;
// children are placed in their own sessions at spawn time instead.
type osGroup interface {
	assign(pid int) error
	close() error
}

func newOSGroup() (osGroup, error) { return nil, nil }
