package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgecache/dfscache/internal/db"
	"github.com/edgecache/dfscache/internal/nodes"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage the namenode registry",
}

// openRegistry opens the persistent registry; nodes commands require a
// database so registrations survive the process.
func openRegistry() (*nodes.Registry, *db.DB, error) {
	path := viper.GetString("node-db")
	if path == "" {
		return nil, nil, fmt.Errorf("nodes commands need --node-db")
	}
	database, err := db.New(path)
	if err != nil {
		return nil, nil, err
	}
	return nodes.New(database), database, nil
}

var nodesAddCmd = &cobra.Command{
	Use:   "add <scheme> <host> <port>",
	Short: "Register a namenode",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[2])
		if err != nil || port <= 0 {
			return fmt.Errorf("bad port %q", args[2])
		}
		capacity, err := cmd.Flags().GetInt("capacity")
		if err != nil {
			return err
		}

		registry, database, err := openRegistry()
		if err != nil {
			return err
		}
		defer database.Close()

		return registry.Add(cmd.Context(), db.Namenode{
			Scheme:   args[0],
			Host:     args[1],
			Port:     port,
			Capacity: capacity,
		})
	},
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered namenodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, database, err := openRegistry()
		if err != nil {
			return err
		}
		defer database.Close()

		list, err := registry.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range list {
			fmt.Printf("%s://%s:%d\tpool=%d\n", n.Scheme, n.Host, n.Port, n.Capacity)
		}
		return nil
	},
}

var nodesRmCmd = &cobra.Command{
	Use:   "rm <scheme> <host> <port>",
	Short: "Remove a namenode registration",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[2])
		if err != nil || port <= 0 {
			return fmt.Errorf("bad port %q", args[2])
		}

		registry, database, err := openRegistry()
		if err != nil {
			return err
		}
		defer database.Close()

		return registry.Remove(cmd.Context(), args[0], args[1], port)
	},
}

func init() {
	nodesAddCmd.Flags().Int("capacity", nodes.DefaultPoolSize, "Connection pool size for this namenode")
	nodesCmd.AddCommand(nodesAddCmd, nodesListCmd, nodesRmCmd)
	rootCmd.AddCommand(nodesCmd)
}
