package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/client"
	"github.com/zulandar/switchboard/internal/orchestrator"
	"golang.org/x/term"
)

// abortTimeout bounds the abort sent when the run is interrupted.
const abortTimeout = 10 * time.Second

func newTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Warm transfer commands",
	}

	cmd.AddCommand(newTransferRunCmd())
	cmd.AddCommand(newTransferStatusCmd())
	cmd.AddCommand(newTransferListCmd())
	cmd.AddCommand(newTransferHistoryCmd())
	cmd.AddCommand(newTransferAbortCmd())
	return cmd
}

type transferRunOpts struct {
	serverURL string
	callID    string
	from      string
	to        string
	reason    string
	notes     string
	yes       bool
}

func newTransferRunCmd() *cobra.Command {
	var opts transferRunOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hand a call to another agent through a briefing room",
		Long: `Runs a warm transfer from start to finish.

The source agent is given a private briefing room with the target agent and
a summary of the call. Once the briefing is done, the target agent is
admitted to the caller's room and the source agent leaves.

Without --yes the command waits on the terminal for the briefing to finish.
A failed step can be retried or the transfer aborted. Interrupting the run
aborts the transfer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransferRun(cmd, opts)
		},
	}

	addServerFlag(cmd, &opts.serverURL)
	cmd.Flags().StringVar(&opts.callID, "call", "", "call to transfer (required)")
	cmd.Flags().StringVar(&opts.from, "from", "", "agent currently on the call (required)")
	cmd.Flags().StringVar(&opts.to, "to", "", "agent taking the call; omit to list available agents")
	cmd.Flags().StringVar(&opts.reason, "reason", "", "reason for the transfer")
	cmd.Flags().StringVar(&opts.notes, "notes", "", "notes for the target agent")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "complete the briefing without waiting for confirmation")
	cmd.MarkFlagRequired("call")
	cmd.MarkFlagRequired("from")
	return cmd
}

// prompter reads operator answers from the command's input.
type prompter struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

func newPrompter(cmd *cobra.Command) *prompter {
	in := cmd.InOrStdin()
	return &prompter{
		in:          bufio.NewReader(in),
		out:         cmd.OutOrStdout(),
		interactive: isTerminal(in),
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ask prints question and returns the trimmed, lowercased answer. EOF
// reads as an empty answer. An interrupt while waiting returns ctx.Err().
func (p *prompter) ask(ctx context.Context, question string) (string, error) {
	fmt.Fprint(p.out, question)
	answer := make(chan string, 1)
	go func() {
		line, _ := p.in.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case a := <-answer:
		return a, nil
	}
}

func runTransferRun(cmd *cobra.Command, opts transferRunOpts) error {
	out := cmd.OutOrStdout()
	p := newPrompter(cmd)
	if !opts.yes && !p.interactive {
		return fmt.Errorf("confirming the briefing needs a terminal; pass --yes to skip it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(opts.serverURL)
	agents := &client.AgentCache{Client: c}

	if opts.to == "" {
		return listTargets(ctx, out, agents, opts.from)
	}

	orch := orchestrator.New(c, agents)
	t, err := orch.Initiate(ctx, orchestrator.InitiateOpts{
		CallID:        opts.callID,
		SourceAgentID: opts.from,
		TargetAgentID: opts.to,
		Reason:        opts.reason,
		Notes:         opts.notes,
	})
	if err != nil {
		reportStepError(out, err)
		return err
	}
	fmt.Fprintf(out, "[1/4] Transfer %s initiated: %s -> %s\n", t.ID, t.SourceAgentID, t.TargetAgentID)
	fmt.Fprintf(out, "      Briefing room: %s\n", t.BriefingRoom)
	if t.SummaryFallback {
		fmt.Fprintf(out, "      Summary: %s (fallback)\n", t.Summary)
	} else {
		fmt.Fprintf(out, "      Summary: %s\n", t.Summary)
	}

	r := &transferRun{orch: orch, p: p, out: out, id: t.ID}
	defer r.cleanup()

	if t, err = r.step(ctx, orch.JoinBriefing); err != nil {
		return err
	}
	fmt.Fprintf(out, "[2/4] Joined briefing room %s\n", t.BriefingRoom)
	fmt.Fprintf(out, "      Source agent token: %s\n", t.BriefingToken)

	if !opts.yes {
		answer, err := p.ask(ctx, "Press Enter once the briefing is done, or type \"abort\": ")
		if err != nil {
			return err
		}
		if answer == "abort" {
			return r.abort("operator aborted during briefing")
		}
	}

	if t, err = r.step(ctx, orch.CompleteBriefing); err != nil {
		return err
	}
	fmt.Fprintf(out, "[3/4] Briefing complete; %s admitted to %s\n", t.TargetAgentID, t.OriginalRoom)
	fmt.Fprintf(out, "      Target agent token: %s\n", t.TargetToken)

	if t, err = r.step(ctx, orch.Finalize); err != nil {
		return err
	}
	r.done = true
	fmt.Fprintf(out, "[4/4] Call %s transferred to %s in room %s\n", t.CallID, t.TargetAgentID, t.FinalRoom)
	return nil
}

// transferRun carries one transfer through its stages for the run command.
type transferRun struct {
	orch *orchestrator.Orchestrator
	p    *prompter
	out  io.Writer
	id   string
	done bool
}

// step runs fn, offering a retry on failure when attached to a terminal.
// Declining the retry aborts the transfer.
func (r *transferRun) step(ctx context.Context,
	fn func(context.Context, string) (*orchestrator.Transfer, error)) (*orchestrator.Transfer, error) {

	for {
		t, err := fn(ctx, r.id)
		if err == nil {
			return t, nil
		}
		reportStepError(r.out, err)
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, orchestrator.ErrStaleStage) {
			// Nothing left to retry against; let cleanup forget it.
			return nil, err
		}
		if errors.Is(err, orchestrator.ErrTransferRejected) || !r.p.interactive {
			if abortErr := r.abort("step failed: " + err.Error()); abortErr != nil {
				return nil, errors.Join(err, abortErr)
			}
			return nil, err
		}
		answer, askErr := r.p.ask(ctx, "[r]etry or [a]bort? ")
		if askErr != nil {
			return nil, err
		}
		if answer == "a" || answer == "abort" {
			if abortErr := r.abort("operator aborted after failure"); abortErr != nil {
				return nil, errors.Join(err, abortErr)
			}
			return nil, err
		}
	}
}

func (r *transferRun) abort(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, err := r.orch.Abort(ctx, r.id, reason); err != nil {
		reportStepError(r.out, err)
		return err
	}
	r.done = true
	fmt.Fprintf(r.out, "Transfer %s aborted\n", r.id)
	return nil
}

// cleanup aborts the transfer if the run stopped before it finished.
func (r *transferRun) cleanup() {
	if r.done {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := r.orch.Close(ctx, r.id); err != nil {
		fmt.Fprintf(r.out, "Could not abort transfer %s: %v\n", r.id, err)
		return
	}
	if _, ok := r.orch.State(r.id); !ok {
		fmt.Fprintf(r.out, "Transfer %s closed\n", r.id)
	}
}

func reportStepError(out io.Writer, err error) {
	var se *orchestrator.StepError
	if errors.As(err, &se) {
		fmt.Fprintf(out, "Error: %s failed at %s: %v\n", se.Op, se.Stage, se.Err)
		fmt.Fprintf(out, "Next: %s\n", se.Next())
		return
	}
	fmt.Fprintf(out, "Error: %v\n", err)
}

func listTargets(ctx context.Context, out io.Writer, agents *client.AgentCache, from string) error {
	if err := agents.Refresh(ctx); err != nil {
		return err
	}
	avail := agents.Available(from)
	if len(avail) == 0 {
		return fmt.Errorf("no agents are available to take the call")
	}
	fmt.Fprintln(out, "Available agents:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tCALLS")
	for _, a := range avail {
		fmt.Fprintf(w, "  %s\t%s\t%d/%d\n", a.ID, truncate(a.Name, 30), a.CurrentCalls, a.MaxConcurrentCalls)
	}
	w.Flush()
	return fmt.Errorf("pick a target agent with --to")
}

func newTransferStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status <transfer-id>",
		Short: "Show a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransferStatus(cmd, serverURL, args[0])
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func runTransferStatus(cmd *cobra.Command, serverURL, id string) error {
	st, err := newClient(serverURL).TransferStatus(context.Background(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Transfer:  %s\n", st.TransferID)
	fmt.Fprintf(out, "Status:    %s\n", st.Status)
	fmt.Fprintf(out, "Call:      %s (room %s)\n", st.CallID, st.OriginalRoom)
	fmt.Fprintf(out, "Briefing:  %s\n", orDash(st.TransferRoomName))
	fmt.Fprintf(out, "From:      %s (%s)\n", st.SourceAgent.ID, st.SourceAgent.Name)
	fmt.Fprintf(out, "To:        %s (%s)\n", st.TargetAgent.ID, st.TargetAgent.Name)
	fmt.Fprintf(out, "Reason:    %s\n", orDash(st.Reason))
	fmt.Fprintf(out, "Created:   %s\n", st.CreatedAt.Local().Format(time.DateTime))
	if st.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", st.CompletedAt.Local().Format(time.DateTime))
	}
	if st.AbortedAt != nil {
		fmt.Fprintf(out, "Aborted:   %s (%s)\n", st.AbortedAt.Local().Format(time.DateTime), orDash(st.AbortReason))
	}
	if len(st.BriefingPresent) > 0 {
		fmt.Fprintf(out, "In briefing: %s\n", strings.Join(st.BriefingPresent, ", "))
	}
	if st.Notes != "" {
		fmt.Fprintf(out, "\nNotes:\n  %s\n", st.Notes)
	}
	if st.Summary != "" {
		fmt.Fprintf(out, "\nSummary:\n  %s\n", st.Summary)
	}
	return nil
}

func newTransferListCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transfers that have not finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransferList(cmd, serverURL)
		},
	}

	addServerFlag(cmd, &serverURL)
	return cmd
}

func runTransferList(cmd *cobra.Command, serverURL string) error {
	list, err := newClient(serverURL).ActiveTransfers(context.Background())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No active transfers.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSFER\tCALL\tSTATUS\tFROM\tTO\tAGE")
	for _, st := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.TransferID, st.CallID, st.Status, st.SourceAgent.ID, st.TargetAgent.ID,
			formatDuration(int(time.Since(st.CreatedAt).Seconds())))
	}
	w.Flush()
	return nil
}

func newTransferHistoryCmd() *cobra.Command {
	var (
		serverURL string
		opts      client.TransferHistoryOpts
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed and aborted transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransferHistory(cmd, serverURL, opts)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "only transfers from or to this agent")
	cmd.Flags().StringVar(&opts.Status, "status", "", "completed or aborted")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum rows")
	return cmd
}

func runTransferHistory(cmd *cobra.Command, serverURL string, opts client.TransferHistoryOpts) error {
	list, err := newClient(serverURL).TransferHistory(context.Background(), opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No finished transfers.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRANSFER\tCALL\tSTATUS\tFROM\tTO\tNOTE")
	for _, st := range list {
		note := st.Reason
		if st.Status == "aborted" {
			note = st.AbortReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			st.TransferID, st.CallID, st.Status, st.SourceAgent.ID, st.TargetAgent.ID, truncate(note, 40))
	}
	w.Flush()
	return nil
}

func newTransferAbortCmd() *cobra.Command {
	var (
		serverURL string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "abort <transfer-id>",
		Short: "Abort a transfer",
		Long:  "Aborts a transfer that has not completed. Tokens issued for it are revoked and the call stays with the source agent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransferAbort(cmd, serverURL, args[0], reason)
		},
	}

	addServerFlag(cmd, &serverURL)
	cmd.Flags().StringVar(&reason, "reason", "aborted from cli", "reason recorded with the abort")
	return cmd
}

func runTransferAbort(cmd *cobra.Command, serverURL, id, reason string) error {
	resp, err := newClient(serverURL).Abort(context.Background(), api.AbortRequest{TransferID: id, Reason: reason})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transfer %s aborted; revoked %d token(s)\n", resp.TransferID, resp.RevokedTokens)
	return nil
}
