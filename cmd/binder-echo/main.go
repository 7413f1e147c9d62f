// Command binder-echo opens a binder device, registers a single echo
// service object, and serves transactions until interrupted. It exists to
// exercise NewIpc/PublishLocal/Looper end to end, the way the teacher's
// ublk-mem command exercises CreateAndServe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	binder "github.com/ehrlich-b/go-binder"
	"github.com/ehrlich-b/go-binder/internal/logging"
	"github.com/spf13/cobra"
)

const echoInterfaceDescriptor = "ehrlich.binder.IEcho"

func main() {
	var (
		devicePath     string
		configPath     string
		contextManager bool
		verbose        bool
		workerPoolSize int
		looperCeiling  int
	)

	root := &cobra.Command{
		Use:   "binder-echo",
		Short: "Serve an echo object on a binder device",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := &binder.Options{
				WorkerPoolSize:       workerPoolSize,
				PrimaryLooperCeiling: looperCeiling,
				ContextManager:       contextManager,
			}

			if configPath != "" {
				cfg, err := binder.LoadConfig(configPath)
				if err != nil {
					return err
				}
				devicePath = cfg.DevicePath
				opts.WorkerPoolSize = cfg.WorkerPoolSize
				opts.PrimaryLooperCeiling = cfg.PrimaryLooperCeiling
			}

			if devicePath == "" {
				return fmt.Errorf("either --device or --config with device_path is required")
			}

			logConfig := logging.DefaultConfig()
			if verbose {
				logConfig.Level = logging.LevelDebug
			}
			logger := logging.NewLogger(logConfig)
			logging.SetDefault(logger)
			opts.Logger = logger

			return serve(devicePath, opts, logger)
		},
	}

	root.Flags().StringVar(&devicePath, "device", "/dev/binder", "binder device node to open")
	root.Flags().StringVar(&configPath, "config", "", "YAML config file (overrides --device and pool sizing)")
	root.Flags().BoolVar(&contextManager, "context-manager", false, "register as BINDER_SET_CONTEXT_MGR for this device")
	root.Flags().BoolVar(&verbose, "v", false, "verbose (debug-level) logging")
	root.Flags().IntVar(&workerPoolSize, "worker-pool-size", 15, "async transaction worker goroutines")
	root.Flags().IntVar(&looperCeiling, "looper-ceiling", 5, "maximum primary looper threads")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(devicePath string, opts *binder.Options, logger *logging.Logger) error {
	ipc, err := binder.NewIpc(devicePath, opts)
	if err != nil {
		return fmt.Errorf("opening %s: %w", devicePath, err)
	}

	echo := binder.NewLocalObject(0, []string{echoInterfaceDescriptor}, echoHandler(logger))
	ipc.PublishLocal(echo)

	logger.Info("echo service registered", "device", devicePath, "interface", echoInterfaceDescriptor)
	fmt.Printf("binder-echo listening on %s\n", devicePath)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ipc.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

// echoHandler replies with a copy of whatever the caller sent, minus the
// interface header the RpcProtocol already consumed.
func echoHandler(logger *logging.Logger) binder.TransactionHandler {
	return func(ctx context.Context, req *binder.RemoteRequest) (*binder.LocalReply, error) {
		logger.Debug("echo transaction", "code", req.Code, "sender_pid", req.SenderPID)

		data, err := req.ReadByteArray()
		if err != nil {
			return nil, err
		}

		reply := binder.NewLocalReply(req.Io())
		reply.AppendByteArray(data)
		return reply, nil
	}
}
