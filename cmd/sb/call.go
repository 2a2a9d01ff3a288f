package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/client"
)

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call commands",
	}

	cmd.AddCommand(newCallStartCmd())
	cmd.AddCommand(newCallEndCmd())
	cmd.AddCommand(newCallListCmd())
	return cmd
}

func newCallStartCmd() *cobra.Command {
	var (
		serverURL string
		req       api.StartCallRequest
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a call",
		Long:  "Starts a call for a caller and assigns it to --agent, or to the least loaded available agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallStart(cmd, serverURL, req)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().StringVar(&req.CallerName, "caller", "", "caller name (required)")
	cmd.Flags().StringVar(&req.CallerPhone, "phone", "", "caller phone number")
	cmd.Flags().StringVar(&req.Priority, "priority", "medium", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&req.AgentID, "agent", "", "agent to assign the call to")
	cmd.MarkFlagRequired("caller")
	return cmd
}

func runCallStart(cmd *cobra.Command, serverURL string, req api.StartCallRequest) error {
	resp, err := newClient(serverURL).StartCall(context.Background(), req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call %s started in room %s\n", resp.CallID, resp.RoomName)
	fmt.Fprintf(out, "  Agent:  %s (%s)\n", resp.AgentID, resp.AgentName)
	fmt.Fprintf(out, "  Caller: %s\n", resp.CallerIdentity)
	fmt.Fprintf(out, "  Agent token:  %s\n", resp.AgentToken)
	fmt.Fprintf(out, "  Caller token: %s\n", resp.CallerToken)
	return nil
}

func newCallEndCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "end <call-id>",
		Short: "End a call",
		Long:  "Ends a call. Any warm transfer still open on the call is aborted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallEnd(cmd, serverURL, args[0])
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func runCallEnd(cmd *cobra.Command, serverURL, id string) error {
	resp, err := newClient(serverURL).EndCall(context.Background(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call %s ended after %s\n", resp.CallID, formatDuration(resp.DurationSeconds))
	if resp.AbortedTransfers > 0 {
		fmt.Fprintf(out, "Aborted %d open transfer(s)\n", resp.AbortedTransfers)
	}
	return nil
}

func newCallListCmd() *cobra.Command {
	var (
		serverURL string
		history   bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active calls",
		Long:  "Lists active calls. With --history, lists ended calls newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallList(cmd, serverURL, history, limit)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().BoolVar(&history, "history", false, "list ended calls instead")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum ended calls to show")
	return cmd
}

func runCallList(cmd *cobra.Command, serverURL string, history bool, limit int) error {
	c := newClient(serverURL)
	ctx := context.Background()

	var (
		calls []api.Call
		err   error
	)
	if history {
		calls, err = c.CallHistory(ctx, client.HistoryOpts{Limit: limit})
	} else {
		calls, err = c.ActiveCalls(ctx)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(calls) == 0 {
		fmt.Fprintln(out, "No calls found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CALL\tCALLER\tPRI\tAGENT\tSTATUS\tDURATION\tFROM")
	for _, cl := range calls {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			cl.CallID, truncate(cl.CallerName, 24), cl.Priority, cl.AgentID, cl.Status,
			formatDuration(cl.DurationSeconds), orDash(cl.TransferredFrom))
	}
	w.Flush()
	return nil
}
