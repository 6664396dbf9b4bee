package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the burrow cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new cluster with this node as the first manager",
	Long: `Initialize a new burrow cluster with this node as the first manager.

The manager bootstraps a single-node raft group, recovers any procedures
left unfinished in its procedure store and serves the admin API. More
managers can join with "burrow cluster join".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		socket, _ := cmd.Flags().GetString("socket")
		return runManager(cfg, socket, func(ctx context.Context, mgr *manager.Manager) error {
			if err := mgr.Bootstrap(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			return nil
		})
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join --leader ADDR --token TOKEN",
	Short: "Join this node to an existing cluster as a manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")
		if leader == "" || token == "" {
			return fmt.Errorf("--leader and --token are required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		socket, _ := cmd.Flags().GetString("socket")
		return runManager(cfg, socket, func(ctx context.Context, mgr *manager.Manager) error {
			return mgr.Join(ctx, leader, token)
		})
	},
}

var clusterTokenCmd = &cobra.Command{
	Use:   "token [worker|manager]",
	Short: "Generate a join token for workers or managers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := types.NodeRole(args[0])
		if role != types.NodeRoleWorker && role != types.NodeRoleManager {
			return fmt.Errorf("role must be 'worker' or 'manager'")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		tok, err := c.CreateJoinToken(cmd.Context(), role, ttl)
		if err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}
		fmt.Println(tok.Token)
		fmt.Fprintf(os.Stderr, "Role: %s, expires %s\n", tok.Role, tok.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the raft group",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		info, err := c.ClusterInfo(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Node:     %s (leader: %v)\n", info.NodeID, info.IsLeader)
		fmt.Printf("Leader:   %s\n", info.Leader)
		fmt.Printf("Log:      last %d, applied %d\n\n", info.LastIndex, info.AppliedIndex)

		rows := make([][]string, 0, len(info.Servers))
		for _, s := range info.Servers {
			rows = append(rows, []string{s.ID, s.Address, strconv.FormatBool(s.Voter), strconv.FormatBool(s.Leader)})
		}
		return printTable([]string{"ID", "Address", "Voter", "Leader"}, rows)
	},
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterTokenCmd)
	clusterCmd.AddCommand(clusterInfoCmd)

	managerFlags(clusterInitCmd)
	managerFlags(clusterJoinCmd)

	clusterJoinCmd.Flags().String("leader", "", "API address of a manager in the cluster")
	clusterJoinCmd.Flags().String("token", "", "Manager join token")

	clusterTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
