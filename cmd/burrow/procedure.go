package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var procedureCmd = &cobra.Command{
	Use:     "procedure",
	Aliases: []string{"proc"},
	Short:   "Inspect procedures",
}

var procedureStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show the state of a procedure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid procedure id %q", args[0])
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.GetProcedure(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var procedureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List procedures",
	RunE: func(cmd *cobra.Command, args []string) error {
		resource, _ := cmd.Flags().GetString("resource")
		active, _ := cmd.Flags().GetBool("active")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		list, err := c.ListProcedures(cmd.Context(), resource, active)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No procedures found")
			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, st := range list {
			phase := st.Phase
			if phase == "" {
				phase = "-"
			}
			if st.Waiting {
				phase = "waiting"
			}
			rows = append(rows, []string{
				st.ID.String(), string(st.Type), st.ResourceKey, string(st.Direction), phase,
				string(st.Outcome.State), st.UpdatedAt.Format(time.RFC3339),
			})
		}
		return printTable([]string{"ID", "Type", "Resource", "Direction", "Phase", "State", "Updated"}, rows)
	},
}

var procedureWaitCmd = &cobra.Command{
	Use:   "wait ID",
	Short: "Wait for a procedure to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid procedure id %q", args[0])
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := c.WaitProcedure(cmd.Context(), id, timeout)
		if err != nil {
			return err
		}
		return reportOutcome(id, out)
	},
}

func init() {
	procedureCmd.AddCommand(procedureStatusCmd)
	procedureCmd.AddCommand(procedureListCmd)
	procedureCmd.AddCommand(procedureWaitCmd)

	procedureListCmd.Flags().String("resource", "", "Only procedures on this resource key (e.g. pipe/orders)")
	procedureListCmd.Flags().Bool("active", false, "Only procedures that have not finished")
	procedureWaitCmd.Flags().Duration("timeout", time.Minute, "How long to wait")
}
