//go:build !cgo

package pcap

import (
	"fmt"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/link"
)

func init() {
	link.Register(Name, func(link.Config) (link.Driver, error) {
		return nil, fmt.Errorf("%w: pcap driver requires cgo", core.ErrUnsupported)
	})
}
