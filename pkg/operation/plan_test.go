package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

func TestSelectOperation_Table(t *testing.T) {
	cases := []struct {
		phase   types.Phase
		desired types.DesiredState
		wantOp  types.Operation
		wantOK  bool
	}{
		{types.PhasePending, types.DesiredArchived, types.OperationCreateEmptyArchive, true},
		{types.PhasePending, types.DesiredStandby, types.OperationProvisioning, true},
		{types.PhasePending, types.DesiredRunning, types.OperationProvisioning, true},
		{types.PhaseArchived, types.DesiredStandby, types.OperationRestoring, true},
		{types.PhaseArchived, types.DesiredRunning, types.OperationRestoring, true},
		{types.PhaseStandby, types.DesiredRunning, types.OperationStarting, true},
		{types.PhaseStandby, types.DesiredArchived, types.OperationArchiving, true},
		{types.PhaseStandby, types.DesiredPending, types.OperationArchiving, true},
		{types.PhaseRunning, types.DesiredStandby, types.OperationStopping, true},
		{types.PhaseRunning, types.DesiredArchived, types.OperationStopping, true},
		{types.PhaseRunning, types.DesiredPending, types.OperationStopping, true},
		{types.PhasePending, types.DesiredPending, types.OperationNone, false},
	}

	for _, tc := range cases {
		op, archivedToPending, ok := selectOperation(tc.phase, tc.desired)
		assert.False(t, archivedToPending, "phase=%s desired=%s", tc.phase, tc.desired)
		assert.Equal(t, tc.wantOK, ok, "phase=%s desired=%s", tc.phase, tc.desired)
		if tc.wantOK {
			assert.Equal(t, tc.wantOp, op, "phase=%s desired=%s", tc.phase, tc.desired)
		}
	}
}

func TestSelectOperation_ArchivedToPendingHasNoOperation(t *testing.T) {
	op, archivedToPending, ok := selectOperation(types.PhaseArchived, types.DesiredPending)
	assert.True(t, ok)
	assert.True(t, archivedToPending)
	assert.Equal(t, types.OperationNone, op)
}
