package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgecache/dfscache"
	"github.com/edgecache/dfscache/internal/errutil"
)

var rootCmd = &cobra.Command{
	Use:   "dfscache",
	Short: "A local-disk cache for remote distributed file systems",
	Long: `dfscache materializes files from remote file systems (HDFS, S3, HTTP)
into a bounded local directory so repeated reads hit local disk.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	bindConfigFlags(rootCmd.PersistentFlags())
}

// bindConfigFlags declares the shared configuration flags and binds each to
// its viper key.
func bindConfigFlags(pf *pflag.FlagSet) {
	pf.String("root", "./cache", "Cache root directory")
	pf.Int64("capacity-bytes", 10<<30, "Target cache weight in bytes (default 10GiB)")
	pf.Int64("min-free-bytes", 0, "Min free disk space in bytes (if set, overrides capacity-bytes)")
	pf.Bool("autoload", true, "Construct and fetch files on miss")
	pf.Duration("retry-interval", 6*time.Minute, "Min gap between resyncs of a forbidden file")
	pf.Int("transfer-workers", 4, "Download worker count")
	pf.Int("transfer-queue", 64, "Pending download queue bound")
	pf.String("node-db", "", "Namenode registry database path (empty: in-memory)")
	pf.Duration("eviction-interval", time.Minute, "Interval between capacity re-checks")

	pf.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func initConfig() {
	viper.SetEnvPrefix("DFSCACHE")
	viper.AutomaticEnv()
}

// configFromViper builds the library configuration from bound flags and
// DFSCACHE_* environment variables.
func configFromViper() dfscache.Config {
	return dfscache.Config{
		Root:             viper.GetString("root"),
		CapacityBytes:    viper.GetInt64("capacity-bytes"),
		MinFreeBytes:     viper.GetInt64("min-free-bytes"),
		Autoload:         viper.GetBool("autoload"),
		RetryInterval:    viper.GetDuration("retry-interval"),
		TransferWorkers:  viper.GetInt("transfer-workers"),
		TransferQueue:    viper.GetInt("transfer-queue"),
		NodeDB:           viper.GetString("node-db"),
		EvictionInterval: viper.GetDuration("eviction-interval"),
	}
}
