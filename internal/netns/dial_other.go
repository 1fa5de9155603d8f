//go:build !linux

package netns

import (
	"context"
	"errors"
	"net"
)

// ErrUnsupported is returned on platforms without network namespaces.
var ErrUnsupported = errors.New("network namespaces require linux")

// NamespaceDialer always fails outside linux.
func NamespaceDialer(_, _ string) DialFunc {
	return func(context.Context, string, string) (net.Conn, error) {
		return nil, ErrUnsupported
	}
}

func newNetlink(string) (Provider, error) {
	return nil, ErrUnsupported
}
