package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/api"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent directory commands",
	}

	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentCreateCmd())
	cmd.AddCommand(newAgentStatusCmd())
	cmd.AddCommand(newAgentPerformanceCmd())
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var (
		serverURL string
		available bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Long:  "Lists every agent with status and call load. With --available, only agents that can take a transfer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentList(cmd, serverURL, available)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().BoolVar(&available, "available", false, "only agents that can take another call")
	return cmd
}

func runAgentList(cmd *cobra.Command, serverURL string, available bool) error {
	c := newClient(serverURL)
	ctx := context.Background()

	var (
		agents []api.Agent
		err    error
	)
	if available {
		agents, err = c.AvailableAgents(ctx)
	} else {
		agents, err = c.ListAgents(ctx)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCALLS\tSKILLS")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, truncate(a.Name, 30), a.Status, a.CurrentCalls, a.MaxConcurrentCalls,
			orDash(strings.Join(a.Skills, ",")))
	}
	w.Flush()
	return nil
}

func newAgentCreateCmd() *cobra.Command {
	var (
		serverURL string
		req       api.CreateAgentRequest
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			return runAgentCreate(cmd, serverURL, req)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().StringVar(&req.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.Status, "status", "available", "initial status (available, busy, away, offline)")
	cmd.Flags().IntVar(&req.MaxConcurrentCalls, "max-calls", 3, "maximum concurrent calls")
	cmd.Flags().StringSliceVar(&req.Skills, "skills", nil, "comma-separated skills")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runAgentCreate(cmd *cobra.Command, serverURL string, req api.CreateAgentRequest) error {
	a, err := newClient(serverURL).CreateAgent(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created agent %s (%s), status %s\n", a.ID, a.Name, a.Status)
	return nil
}

func newAgentStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set an agent's status",
		Long:  "Sets an agent to available, busy, away or offline.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentStatus(cmd, serverURL, args[0], args[1])
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func runAgentStatus(cmd *cobra.Command, serverURL, id, status string) error {
	a, err := newClient(serverURL).SetAgentStatus(context.Background(), id, status)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s is now %s\n", a.ID, a.Status)
	return nil
}

func newAgentPerformanceCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "performance <id>",
		Short: "Show an agent's call and transfer record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentPerformance(cmd, serverURL, args[0])
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func runAgentPerformance(cmd *cobra.Command, serverURL, id string) error {
	p, err := newClient(serverURL).AgentPerformance(context.Background(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent:               %s (%s), %s\n", p.AgentID, p.Name, p.Status)
	fmt.Fprintf(out, "Calls handled:       %d (%d ended, avg %s)\n",
		p.TotalCallsHandled, p.CallsEnded, formatDuration(int(p.AvgCallSeconds)))
	fmt.Fprintf(out, "Transfers completed: %d\n", p.SuccessfulTransfers)
	fmt.Fprintf(out, "Transfers aborted:   %d\n", p.TransfersAborted)
	fmt.Fprintf(out, "Transfers received:  %d\n", p.TransfersReceived)
	fmt.Fprintf(out, "Success rate:        %.0f%%\n", p.TransferSuccessRate*100)
	return nil
}
