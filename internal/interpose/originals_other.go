//go:build !unix

package interpose

import "fmt"

// DefaultChain has no OS binding on this platform; every resolution fails
// and entry points fail closed.
func DefaultChain() Chain { return unsupportedChain{} }

type unsupportedChain struct{}

func (unsupportedChain) Lookup(name string) (any, error) {
	return nil, fmt.Errorf("%w: %s unsupported on this platform", ErrUnresolved, name)
}
