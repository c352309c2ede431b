package main

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgecache/dfscache"
	"github.com/edgecache/dfscache/internal/errutil"
)

var getCmd = &cobra.Command{
	Use:   "get <remote-url>",
	Short: "Materialize one remote file through the cache",
	Long: `Fetches a file like hdfs://namenode:8020/warehouse/t1/f1.parquet into
the cache root and prints its local path. A file already cached is served
without touching the network.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := dfscache.New(configFromViper())
		if err != nil {
			return err
		}
		defer func() {
			errutil.LogMsg(cache.Close(), "Failed to close cache")
		}()

		root := viper.GetString("root")
		errutil.LogMsg(cache.Reload(root), "Could not reload cache root; continuing cold", "root", root)

		bar := progressbar.NewOptions64(
			-1,
			progressbar.OptionSetDescription("fetching"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(65*time.Millisecond),
		)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					errutil.LogMsg(bar.Add(1), "Failed to advance progress bar")
				case <-stop:
					return
				}
			}
		}()

		f, err := cache.Fetch(cmd.Context(), args[0])
		close(stop)
		errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
		if err != nil {
			return err
		}

		fmt.Println(f.LocalPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
