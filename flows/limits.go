package flows

import (
	"fmt"

	"github.com/openfleet/fleetflow/api"
)

// Check the flow's accumulated usage against its budgets. Limits are
// enforced before the state handler runs so an over budget flow never
// sees the round's data. A zero limit means unlimited.
func checkResourceLimits(flow *api.FlowObject) (string, bool) {
	if flow.CpuLimit > 0 && flow.CpuTimeUsed > flow.CpuLimit {
		return fmt.Sprintf(
			"CPU limit exceeded: used %.1f of %.1f seconds.",
			flow.CpuTimeUsed, flow.CpuLimit), true
	}

	if flow.NetworkBytesLimit > 0 &&
		flow.NetworkBytesUsed > flow.NetworkBytesLimit {
		return fmt.Sprintf(
			"Network bytes limit exceeded: used %v of %v bytes.",
			flow.NetworkBytesUsed, flow.NetworkBytesLimit), true
	}

	if flow.RuntimeLimitSeconds > 0 &&
		flow.RuntimeUsed > flow.RuntimeLimitSeconds {
		return fmt.Sprintf(
			"Runtime limit exceeded: ran for %v of %v seconds.",
			flow.RuntimeUsed, flow.RuntimeLimitSeconds), true
	}

	return "", false
}
