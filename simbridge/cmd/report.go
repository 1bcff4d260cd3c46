package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/sarchlab/simbridge/datarecording"
	"github.com/sarchlab/simbridge/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report run.sqlite3",
	Short: "Summarize a recorded run.",
	Long: "`report` prints, for every node of a recorded run, how many " +
		"packets it sent and received and how many timers fired.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		summary, err := summarize(cmd.Context(), reader)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSENT\tRECEIVED\tTIMERS FIRED\tTIMERS PENDING")

		for _, r := range summary {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n",
				r.NodeID, r.Sent, r.Received, r.Fired, r.Pending)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

type nodeSummary struct {
	NodeID   uint32
	Sent     int
	Received int
	Fired    int
	Pending  int
}

func summarize(ctx context.Context, reader datarecording.DataReader) ([]*nodeSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	reader.MapTable(tracing.PacketTable, tracing.PacketEntry{})
	reader.MapTable(tracing.TimerTable, tracing.TimerEntry{})

	var (
		order []uint32
		nodes = make(map[uint32]*nodeSummary)
	)

	get := func(id uint32) *nodeSummary {
		s, ok := nodes[id]
		if !ok {
			s = &nodeSummary{NodeID: id}
			nodes[id] = s
			order = append(order, id)
		}

		return s
	}

	packets, _, err := reader.Query(ctx, tracing.PacketTable,
		datarecording.QueryParams{OrderBy: "NodeID"})
	if err != nil {
		return nil, err
	}

	for _, row := range packets {
		p := row.(*tracing.PacketEntry)
		if p.Direction == tracing.DirectionFromPeer {
			get(p.NodeID).Sent++
		} else {
			get(p.NodeID).Received++
		}
	}

	timers, _, err := reader.Query(ctx, tracing.TimerTable,
		datarecording.QueryParams{OrderBy: "NodeID"})
	if err != nil {
		return nil, err
	}

	for _, row := range timers {
		t := row.(*tracing.TimerEntry)
		if t.Fired {
			get(t.NodeID).Fired++
		} else {
			get(t.NodeID).Pending++
		}
	}

	out := make([]*nodeSummary, 0, len(order))
	for _, id := range order {
		out = append(out, nodes[id])
	}

	return out, nil
}
