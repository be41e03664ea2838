package hsm

import "missionctl/internal/model"

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunStatusCreated: {
		model.RunStatusProvisioning: true,
		model.RunStatusFailed:       true,
	},
	model.RunStatusProvisioning: {
		model.RunStatusRunning: true,
		model.RunStatusFailed:  true,
	},
	model.RunStatusRunning: {
		model.RunStatusSucceeded: true,
		model.RunStatusFailed:    true,
	},
}

var sandboxTransitions = map[model.SandboxState]map[model.SandboxState]bool{
	model.SandboxStateUninitialized: {
		model.SandboxStateProvisioned: true,
		model.SandboxStateTornDown:    true,
	},
	model.SandboxStateProvisioned: {
		model.SandboxStateExecuting: true,
		model.SandboxStateTornDown:  true,
	},
	model.SandboxStateExecuting: {
		model.SandboxStateProvisioned: true,
		model.SandboxStateTornDown:    true,
	},
}

func CanTransitionRun(from model.RunStatus, to model.RunStatus) bool {
	if from == to {
		return true
	}
	return runTransitions[from][to]
}

// CanTransitionSandbox does not treat self-transitions as allowed: a sandbox
// is torn down exactly once and never re-provisioned.
func CanTransitionSandbox(from model.SandboxState, to model.SandboxState) bool {
	return sandboxTransitions[from][to]
}
