package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/accounting"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/router"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/workflow"
)

type toolResultView struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Cached bool            `json:"cached,omitempty"`
}

type resultView struct {
	Route          string           `json:"route"`
	Rule           string           `json:"rule"`
	Text           string           `json:"text,omitempty"`
	ToolResults    []toolResultView `json:"tool_results,omitempty"`
	PendingCalls   []ports.ToolCall `json:"pending_calls,omitempty"`
	Partial        bool             `json:"partial,omitempty"`
	ReasoningCalls int              `json:"reasoning_calls"`
	Cached         bool             `json:"cached,omitempty"`
	Usage          ports.Usage      `json:"usage"`
}

func viewResult(res *router.Result) resultView {
	v := resultView{
		Route:          res.Route.String(),
		Rule:           res.Rule,
		Text:           res.Text,
		PendingCalls:   res.PendingCalls,
		Partial:        res.Partial,
		ReasoningCalls: res.ReasoningCalls,
		Cached:         res.Cached,
		Usage:          res.Usage,
	}
	for _, tr := range res.ToolResults {
		tv := toolResultView{Tool: tr.Call.Name, Args: tr.Call.Args, Output: tr.Output, Cached: tr.Cached}
		if tr.Err != nil {
			tv.Error = tr.Err.Error()
		}
		v.ToolResults = append(v.ToolResults, tv)
	}
	return v
}

func newClassifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <instruction>",
		Short: "Show the route an instruction would take without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cls := a.conductor.Router.Classify(strings.Join(args, " "))
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"route": cls.Route.String(),
				"rule":  cls.Rule,
				"calls": cls.Calls,
			})
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var workflowID, conversationID, agentID string

	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Route one instruction, optionally as a turn of a live workflow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := strings.Join(args, " ")
			ctx := cmd.Context()

			var (
				res *router.Result
				err error
			)
			if workflowID != "" {
				res, err = a.conductor.Workflows.HandleTurn(ctx, workflow.Turn{
					WorkflowID:     workflowID,
					ConversationID: conversationID,
					AgentID:        agentID,
					Instruction:    instruction,
				})
			} else {
				if conversationID == "" {
					conversationID = uuid.NewString()
				}
				res, err = a.conductor.Router.Route(ctx, router.Request{
					ConversationID: conversationID,
					AgentID:        agentID,
					Instruction:    instruction,
				})
			}
			if err != nil {
				return err
			}
			a.logger.Debug().Str("conversation", conversationID).Str("route", res.Route.String()).Msg("Instruction routed")
			return printJSON(cmd.OutOrStdout(), viewResult(res))
		},
	}

	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Workflow the instruction belongs to")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id (default: new id, or workflow:agent for workflow turns)")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent issuing the instruction")
	return cmd
}

type statsView struct {
	Instructions int                `json:"instructions"`
	Failed       int                `json:"failed"`
	Accounting   accounting.Summary `json:"accounting"`
	Caches       []cache.Stats      `json:"caches"`
}

func newStatsCmd(a *app) *cobra.Command {
	var conversationID, agentID string

	cmd := &cobra.Command{
		Use:   "stats <file|->",
		Short: "Replay instructions (one per line) and report routing, token and cache accounting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			view := statsView{}
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				view.Instructions++
				_, err := a.conductor.Router.Route(cmd.Context(), router.Request{
					ConversationID: conversationID,
					AgentID:        agentID,
					Instruction:    line,
				})
				if err != nil {
					view.Failed++
					a.logger.Warn().Err(err).Str("instruction", line).Msg("Instruction failed")
				}
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("read instructions: %w", err)
			}

			view.Accounting = a.conductor.Ledger.Summary()
			view.Caches = a.conductor.Caches.Stats()
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation all instructions share (default: new id)")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent issuing the instructions")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var window bool

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the full message history of a conversation, archives included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.warnEphemeral()
			if window {
				msgs, err := a.conductor.Guard.Window(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			msgs, err := a.conductor.Guard.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}

	cmd.Flags().BoolVar(&window, "window", false, "Print the active window sent for reasoning instead")
	return cmd
}
