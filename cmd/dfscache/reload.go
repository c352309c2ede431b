package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgecache/dfscache"
	"github.com/edgecache/dfscache/internal/errutil"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Rebuild cache state from the root directory and report it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := dfscache.New(configFromViper())
		if err != nil {
			return err
		}
		defer func() {
			errutil.LogMsg(cache.Close(), "Failed to close cache")
		}()

		root := viper.GetString("root")
		if err := cache.Reload(root); err != nil {
			return err
		}

		fmt.Printf("root: %s\nfiles: %d\nweight: %d bytes\noldest mtime: %s\n",
			root, cache.Len(), cache.CurrentWeight(), cache.StartTime())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
