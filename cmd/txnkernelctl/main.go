// Command txnkernelctl drives a txnkernel data directory: run a demo
// workload, take a checkpoint, force crash recovery, or serve metrics.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"txnkernel/pkg/kernel"
	"txnkernel/pkg/lock"
	"txnkernel/pkg/logging"
	"txnkernel/pkg/storage"
)

var (
	dataDir  string
	pageSize int
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "txnkernelctl",
		Short: "Operate a txnkernel data directory",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Init(logging.Config{Level: logging.LogLevel(logLevel)})
		},
	}
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./txnkernel-data", "directory holding the partition files and log")
	root.PersistentFlags().IntVar(&pageSize, "page-size", 4096, "usable page payload size in bytes")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARN, or ERROR")

	root.AddCommand(demoCmd(), checkpointCmd(), restartCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openKernel(reg prometheus.Registerer) (*kernel.Kernel, error) {
	return kernel.Open(kernel.Config{
		DataDir:  dataDir,
		PageSize: pageSize,
		Metrics:  reg,
	})
}

// demoCmd runs a short three-transaction workload: a setup transaction that
// allocates the page, then hierarchical locking, a logged write, a commit,
// and an abort with rollback.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a sample workload against the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(nil)
			if err != nil {
				return err
			}
			defer k.Close()

			pageNum := storage.MakePageNum(1, 0)

			setup := k.Begin()
			if err := k.EnsureLock(setup, lock.X, "table1"); err != nil {
				return err
			}
			if err := k.AllocPart(setup, 1); err != nil {
				fmt.Println("partition 1 already present, reusing it")
				if _, err := k.Read(pageNum, 0, 1); err != nil {
					return err
				}
			} else if err := k.AllocPage(setup, pageNum); err != nil {
				return err
			}
			if err := k.Commit(setup); err != nil {
				return err
			}

			writer := k.Begin()
			if err := k.EnsureLock(writer, lock.X, "table1", "page0"); err != nil {
				return err
			}
			if err := k.Write(writer, pageNum, 0, []byte("committed!")); err != nil {
				return err
			}
			if err := k.Commit(writer); err != nil {
				return err
			}

			aborter := k.Begin()
			if err := k.EnsureLock(aborter, lock.X, "table1", "page0"); err != nil {
				return err
			}
			if err := k.Write(aborter, pageNum, 0, []byte("discarded!")); err != nil {
				return err
			}
			if err := k.Abort(aborter); err != nil {
				return err
			}

			data, err := k.Read(pageNum, 0, 10)
			if err != nil {
				return err
			}
			fmt.Printf("page after commit+abort: %q\n", data)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Take a fuzzy checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(nil)
			if err != nil {
				return err
			}
			defer k.Close()

			started := time.Now()
			if err := k.Checkpoint(); err != nil {
				return err
			}
			fmt.Printf("checkpoint complete in %s\n", time.Since(started))
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Run crash recovery over the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Open already runs the full analysis/redo/undo restart.
			started := time.Now()
			k, err := openKernel(nil)
			if err != nil {
				return err
			}
			defer k.Close()
			fmt.Printf("recovery complete in %s\n", time.Since(started))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the kernel and serve Prometheus metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			k, err := openKernel(reg)
			if err != nil {
				return err
			}
			defer k.Close()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			server := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			fmt.Printf("serving metrics on %s/metrics\n", listen)
			return server.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9187", "address to serve metrics on")
	return cmd
}
