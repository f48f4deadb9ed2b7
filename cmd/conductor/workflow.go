package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/workflow"
)

func newWorkflowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start, inspect and drive workflows",
	}
	cmd.AddCommand(
		newWorkflowStartCmd(a),
		newWorkflowShowCmd(a),
		newWorkflowAssignCmd(a),
		newWorkflowCompleteCmd(a),
		newWorkflowStatusCmd(a),
	)
	return cmd
}

func newWorkflowStartCmd(a *app) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "start <instruction>",
		Short: "Detect the workflow for an instruction and assign its agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.warnEphemeral()
			st, err := a.conductor.Workflows.StartWorkflow(cmd.Context(), id, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Workflow id (default: generated)")
	return cmd
}

func newWorkflowShowCmd(a *app) *cobra.Command {
	var generation int

	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Print the stored state of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				st  *workflow.State
				err error
			)
			if generation >= 0 {
				st, err = a.conductor.Workflows.Archived(cmd.Context(), args[0], generation)
			} else {
				st, err = a.conductor.Workflows.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().IntVar(&generation, "generation", -1, "Show an archived generation of a re-initialized workflow")
	return cmd
}

func newWorkflowAssignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <workflow-id> <agent-id> <task>",
		Short: "Assign a task to an agent",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.warnEphemeral()
			st, err := a.conductor.Workflows.AssignAgentTask(cmd.Context(), args[0], args[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newWorkflowCompleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <workflow-id> <agent-id>",
		Short: "Complete the agent's current task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.warnEphemeral()
			st, err := a.conductor.Workflows.CompleteAgentTask(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newWorkflowStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Report whether a workflow is still active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := a.conductor.Workflows.IsWorkflowActive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"workflow_id": args[0],
				"active":      active,
				"timeout":     a.conductor.Workflows.Timeout().String(),
			})
		},
	}
}
