package vm

import (
	"context"
	"fmt"

	"github.com/onkernel/vmkit/lib/guest"
)

// ConnectToGuestService returns a future for an RPC channel to the server the
// payload runs on port. The VM must be running; otherwise the call fails
// immediately rather than through the future.
func (m *VirtualMachine) ConnectToGuestService(ctx context.Context, port uint32) (*guest.Future, error) {
	cid, ok, err := m.CID(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, opError("connect to guest service", m.name, fmt.Errorf("%w: vm is not running", ErrInvalidState))
	}

	m.vmLog(ctx).DebugContext(ctx, "connecting to guest service", "cid", cid, "port", port)
	return m.deps.Guest.Connect(uint32(cid), port), nil
}
