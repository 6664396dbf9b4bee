package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("manager")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager: %w", err)
	}
	return c, nil
}

var pipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Manage pipes",
}

var pipeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		extractor, _ := cmd.Flags().GetStringToString("extractor")
		processor, _ := cmd.Flags().GetStringToString("processor")
		connector, _ := cmd.Flags().GetStringToString("connector")

		return submitAndReport(cmd, func(ctx context.Context, c *client.Client) (uint64, error) {
			return c.CreatePipe(ctx, &types.Pipe{
				Name:      args[0],
				Extractor: extractor,
				Processor: processor,
				Connector: connector,
			})
		})
	},
}

var pipeStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, func(ctx context.Context, c *client.Client) (uint64, error) {
			return c.StartPipe(ctx, args[0])
		})
	},
}

var pipeStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, func(ctx context.Context, c *client.Client) (uint64, error) {
			return c.StopPipe(ctx, args[0])
		})
	},
}

var pipeDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Drop a pipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, func(ctx context.Context, c *client.Client) (uint64, error) {
			return c.DropPipe(ctx, args[0])
		})
	},
}

var pipeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		pipes, err := c.ListPipes(cmd.Context())
		if err != nil {
			return err
		}
		if len(pipes) == 0 {
			fmt.Println("No pipes found")
			return nil
		}

		rows := make([][]string, 0, len(pipes))
		for _, p := range pipes {
			rows = append(rows, []string{
				p.Name, string(p.Status), attrs(p.Extractor), attrs(p.Processor), attrs(p.Connector),
				p.UpdatedAt.Format(time.RFC3339),
			})
		}
		return printTable([]string{"Name", "Status", "Extractor", "Processor", "Connector", "Updated"}, rows)
	},
}

// submitAndReport submits a procedure and, unless --wait=false, waits for
// and prints its outcome
func submitAndReport(cmd *cobra.Command, submit func(context.Context, *client.Client) (uint64, error)) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := submit(cmd.Context(), c)
	if err != nil {
		return err
	}
	fmt.Printf("Procedure %d submitted\n", id)

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return nil
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	out, err := c.WaitProcedure(cmd.Context(), id, timeout)
	if err != nil {
		return err
	}
	return reportOutcome(id, out)
}

func reportOutcome(id uint64, out *procedure.Outcome) error {
	switch {
	case out.State == procedure.Succeeded && out.Skipped:
		fmt.Printf("✓ Procedure %d succeeded (nothing to do)\n", id)
	case out.State == procedure.Succeeded:
		fmt.Printf("✓ Procedure %d succeeded\n", id)
	default:
		fmt.Printf("✗ Procedure %d %s: %s\n", id, out.State, out.Reason)
	}
	for node, msg := range out.PropagationFailures {
		fmt.Printf("  ! %s did not receive the change (%s); it will be resynchronized\n", node, msg)
	}
	if out.NeedsOperator {
		fmt.Printf("  ! rollback failed: %s\n", out.RollbackError)
		fmt.Println("  ! the cluster may be partially changed and needs operator attention")
	}
	if out.State != procedure.Succeeded {
		return fmt.Errorf("procedure %d %s", id, out.State)
	}
	return nil
}

func attrs(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func waitFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("wait", true, "Wait for the procedure to finish")
	cmd.Flags().Duration("timeout", time.Minute, "How long to wait")
}

func init() {
	pipeCmd.AddCommand(pipeCreateCmd)
	pipeCmd.AddCommand(pipeStartCmd)
	pipeCmd.AddCommand(pipeStopCmd)
	pipeCmd.AddCommand(pipeDropCmd)
	pipeCmd.AddCommand(pipeListCmd)

	for _, c := range []*cobra.Command{pipeCreateCmd, pipeStartCmd, pipeStopCmd, pipeDropCmd} {
		waitFlags(c)
	}
	pipeCreateCmd.Flags().StringToString("extractor", nil, "Extractor attributes (key=value)")
	pipeCreateCmd.Flags().StringToString("processor", nil, "Processor attributes (key=value)")
	pipeCreateCmd.Flags().StringToString("connector", nil, "Connector attributes (key=value)")
}
