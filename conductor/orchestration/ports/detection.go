package conductorports

import "context"

// Detection is the output of the workflow-detection collaborator.
type Detection struct {
	WorkflowType string
	Agents       []string
	// Tasks carries an optional task description per agent id.
	Tasks map[string]string
}

// WorkflowDetector maps a free-text request to a workflow type and its agents.
type WorkflowDetector interface {
	Detect(ctx context.Context, instruction string) (Detection, bool, error)
}
