package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		nodes, err := c.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes registered")
			return nil
		}

		rows := make([][]string, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, []string{
				n.ID, string(n.Role), n.Address, string(n.Status),
				time.Since(n.LastHeartbeat).Round(time.Second).String() + " ago",
			})
		}
		return printTable([]string{"ID", "Role", "Address", "Status", "Last heartbeat"}, rows)
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
}
