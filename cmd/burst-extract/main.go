// Command burst-extract extracts a BURST archive stored in S3 to a local
// directory tree (spec §6). Flags are validated in full before any
// network connection is opened, grounded on the teacher's
// parseArgsOrExit/fdLimits() validate-before-connect idiom
// (cmd/zipfuse/util.go).
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/mbaynton/burst/internal/coordinator"
	"github.com/mbaynton/burst/internal/dashboard"
	"github.com/mbaynton/burst/internal/errkind"
	"github.com/mbaynton/burst/internal/logging"
	"github.com/mbaynton/burst/internal/s3source"
)

const (
	minConnections = 1
	maxConnections = 256
	defaultConnections = 16

	minConcurrentParts = 1
	maxConcurrentParts = 16
	defaultConcurrentParts = 8

	minPartSizeMiB     = 8
	maxPartSizeMiB     = 64
	defaultPartSizeMiB = 8
	mib                = 1024 * 1024

	stackTraceBufferSize = 1 << 20
)

type flags struct {
	bucket         string
	key            string
	region         string
	outputDir      string
	connections    int
	concurrentParts int
	partSizeMiB    int
	profile        string
	dashboardAddr  string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags

	rbuf := logging.New(logging.DefaultBufferLines)

	cmd := &cobra.Command{
		Use:           "burst-extract",
		Short:         "Extract a BURST archive from S3 to a local directory tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := validateFlags(&f); err != nil {
				return errkind.Wrap(errkind.KindInvalidArgs, err, "invalid flags")
			}

			return extract(f, rbuf)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errkind.Wrap(errkind.KindInvalidArgs, err, "invalid flags")
	})

	cmd.Flags().StringVar(&f.bucket, "bucket", "", "S3 bucket containing the archive")
	cmd.Flags().StringVar(&f.key, "key", "", "S3 object key of the archive")
	cmd.Flags().StringVar(&f.region, "region", "", "AWS region (falls back to the default credential chain)")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "directory to extract files into")
	cmd.Flags().IntVar(&f.connections, "connections", defaultConnections, "maximum concurrent HTTP connections to the object store (1-256)")
	cmd.Flags().IntVar(&f.concurrentParts, "concurrent-parts", defaultConcurrentParts, "maximum parts processed concurrently (1-16)")
	cmd.Flags().IntVar(&f.partSizeMiB, "part-size", defaultPartSizeMiB, "part size in MiB, a multiple of 8 (8-64)")
	cmd.Flags().StringVar(&f.profile, "profile", os.Getenv("AWS_PROFILE"), "AWS credentials profile name (env: AWS_PROFILE)")
	cmd.Flags().StringVar(&f.dashboardAddr, "dashboard-addr", "", "address to serve the progress dashboard on, e.g. 127.0.0.1:8080 (disabled if empty)")

	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		return reportAndExit(err, rbuf)
	}

	return 0
}

func validateFlags(f *flags) error {
	if f.bucket == "" {
		return fmt.Errorf("--bucket is required")
	}
	if f.key == "" {
		return fmt.Errorf("--key is required")
	}
	if f.outputDir == "" {
		return fmt.Errorf("--output-dir is required")
	}
	if f.connections < minConnections || f.connections > maxConnections {
		return fmt.Errorf("--connections must be between %d and %d, got %d", minConnections, maxConnections, f.connections)
	}
	if f.concurrentParts < minConcurrentParts || f.concurrentParts > maxConcurrentParts {
		return fmt.Errorf("--concurrent-parts must be between %d and %d, got %d", minConcurrentParts, maxConcurrentParts, f.concurrentParts)
	}
	if f.partSizeMiB < minPartSizeMiB || f.partSizeMiB > maxPartSizeMiB || f.partSizeMiB%minPartSizeMiB != 0 {
		return fmt.Errorf("--part-size must be a multiple of %d between %d and %d, got %d", minPartSizeMiB, minPartSizeMiB, maxPartSizeMiB, f.partSizeMiB)
	}

	return nil
}

// reportAndExit renders a single error line per spec §7 and derives the
// process exit code from its [errkind.Kind]. The ring buffer echoes the
// line to stderr.
func reportAndExit(err error, rbuf *logging.RingBuffer) int {
	rbuf.Printf("extraction failed: %v\n", err)

	if e, ok := errkind.As(err); ok {
		return e.Kind.ExitCode()
	}

	return errkind.KindNetwork.ExitCode()
}

func extract(f flags, rbuf *logging.RingBuffer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupSignalHandlers(cancel, rbuf)

	if err := os.MkdirAll(f.outputDir, 0o755); err != nil {
		return errkind.Wrap(errkind.KindIO, err, "creating output directory")
	}

	if ceiling, err := connectionCeiling(); err == nil && f.connections > ceiling {
		rbuf.Printf("--connections %d exceeds the rlimit-derived ceiling %d, using %d\n", f.connections, ceiling, ceiling)
		f.connections = ceiling
	}

	source, err := s3source.New(ctx, s3source.Config{
		Bucket:         f.bucket,
		Key:            f.key,
		Region:         f.region,
		Profile:        f.profile,
		MaxConnections: f.connections,
	})
	if err != nil {
		return err
	}

	partSize := int64(f.partSizeMiB) * mib

	coord := coordinator.New(source, partSize, f.concurrentParts, f.outputDir, rbuf)

	if f.dashboardAddr != "" {
		dash, err := dashboard.New(coord, rbuf, version())
		if err != nil {
			rbuf.Printf("dashboard disabled: %v\n", err)
		} else {
			srv := dash.Serve(f.dashboardAddr)
			defer srv.Close()
		}
	}

	rbuf.Printf("extracting s3://%s/%s to %s (connections=%d, concurrent-parts=%d, part-size=%dMiB)\n",
		f.bucket, f.key, f.outputDir, f.connections, f.concurrentParts, f.partSizeMiB)

	if err := coord.Extract(ctx); err != nil {
		return err
	}

	snap := coord.Metrics.Snapshot()
	rbuf.Printf("extraction complete: %d/%d parts, %d bytes fetched\n", snap.PartsCompleted, snap.PartsTotal, snap.BytesFetched)

	return nil
}

// connectionCeiling derives an upper bound for --connections from the
// process's open-file rlimit, mirroring the teacher's fdLimits() shape.
// It is advisory only: validateFlags enforces the spec's hard 1-256 range
// regardless of what the OS allows.
func connectionCeiling() (int, error) {
	var rlim unix.Rlimit

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("getting rlimit: %w", err)
	}

	if rlim.Cur == unix.RLIM_INFINITY {
		rlim.Cur = 1 << 20
	}
	if rlim.Cur == 0 || rlim.Cur > math.MaxInt {
		return 0, fmt.Errorf("invalid rlimit: %d", rlim.Cur)
	}

	ceiling := int(rlim.Cur) / 2
	if ceiling > maxConnections {
		ceiling = maxConnections
	}
	if ceiling < minConnections {
		ceiling = minConnections
	}

	return ceiling, nil
}

func setupSignalHandlers(cancel context.CancelFunc, rbuf *logging.RingBuffer) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer recoverSignalsPanic()

		for range sig {
			rbuf.Println("Signal received, cancelling extraction...")
			cancel()

			return
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	go func() {
		defer recoverSignalsPanic()

		for range sig1 {
			rbuf.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	go func() {
		defer recoverSignalsPanic()

		for range sig2 {
			rbuf.Println("Signal received, printing stacktrace to standard error...")
			buf := make([]byte, stackTraceBufferSize)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

func recoverSignalsPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "(signals) PANIC: %v\n", r)
		debug.PrintStack()
	}
}

// buildVersion is overridden at link time via -ldflags; "dev" otherwise.
var buildVersion = "dev"

func version() string {
	return buildVersion
}
