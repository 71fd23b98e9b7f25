package operation

import "github.com/cagojeiger/codehub-controlplane/pkg/types"

// transition is one entry in the single-step operation selection table
// (§4.3). desiredLevels narrows which desired states trigger this row when
// more than one maps to the same next operation.
type transition struct {
	from          types.Phase
	desiredLevels map[types.DesiredState]bool
	op            types.Operation
}

var selectionTable = []transition{
	{types.PhasePending, set(types.DesiredArchived), types.OperationCreateEmptyArchive},
	{types.PhasePending, set(types.DesiredStandby, types.DesiredRunning), types.OperationProvisioning},
	{types.PhaseArchived, set(types.DesiredStandby, types.DesiredRunning), types.OperationRestoring},
	// ARCHIVED -> PENDING has no Actuator operation: it only deletes the
	// archive object and clears archive_key, handled inline in Plan.
	{types.PhaseStandby, set(types.DesiredRunning), types.OperationStarting},
	{types.PhaseStandby, set(types.DesiredArchived, types.DesiredPending), types.OperationArchiving},
	{types.PhaseRunning, set(types.DesiredStandby, types.DesiredArchived, types.DesiredPending), types.OperationStopping},
}

func set(states ...types.DesiredState) map[types.DesiredState]bool {
	m := make(map[types.DesiredState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// selectOperation implements the §4.3 table (I5 single-step rule: every row
// moves phase by exactly one level). archivedToPending reports the special
// case that has no Actuator-driven operation.
func selectOperation(phase types.Phase, desired types.DesiredState) (op types.Operation, archivedToPending bool, ok bool) {
	if phase == types.PhaseArchived && desired == types.DesiredPending {
		return types.OperationNone, true, true
	}
	for _, t := range selectionTable {
		if t.from == phase && t.desiredLevels[desired] {
			return t.op, false, true
		}
	}
	return types.OperationNone, false, false
}
