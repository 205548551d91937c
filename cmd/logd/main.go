// Command logd runs the logging daemon (spec.md §1): it binds the ingest,
// egress, and control sockets and serves them until interrupted.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	configfile "logd/internal/config/file"
	"logd/internal/daemon"
	"logd/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "logd",
		Short: "User-space logging daemon",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Bind the ingest/egress/control sockets and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ingestSock, _ := cmd.Flags().GetString("ingest-sock")
			egressSock, _ := cmd.Flags().GetString("egress-sock")
			controlSock, _ := cmd.Flags().GetString("control-sock")
			persistPath, _ := cmd.Flags().GetString("persist-file")
			configPath, _ := cmd.Flags().GetString("config-file")
			tagMapPath, _ := cmd.Flags().GetString("tag-map")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, filterHandler, runOptions{
				ingestSock:  ingestSock,
				egressSock:  egressSock,
				controlSock: controlSock,
				persistPath: persistPath,
				configPath:  configPath,
				tagMapPath:  tagMapPath,
			})
		},
	}
	serveCmd.Flags().String("ingest-sock", "/tmp/logd/ingest.sock", "ingest datagram socket path")
	serveCmd.Flags().String("egress-sock", "/tmp/logd/egress.sock", "egress stream socket path")
	serveCmd.Flags().String("control-sock", "/tmp/logd/control.sock", "control stream socket path")
	serveCmd.Flags().String("persist-file", "/tmp/logd/persist.log", "file logpersist writes to")
	serveCmd.Flags().String("config-file", "/tmp/logd/logd.json", "administrative config persistence path")
	serveCmd.Flags().String("tag-map", "/tmp/logd/event-log-tags", "event-tag dictionary file (§6 Persisted state)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runOptions struct {
	ingestSock  string
	egressSock  string
	controlSock string
	persistPath string
	configPath  string
	tagMapPath  string
}

func run(ctx context.Context, logger *slog.Logger, levels *logging.ComponentFilterHandler, opt runOptions) error {
	for _, sock := range []string{opt.ingestSock, opt.egressSock, opt.controlSock, opt.persistPath, opt.configPath} {
		if err := os.MkdirAll(filepath.Dir(sock), 0o755); err != nil {
			return fmt.Errorf("logd: create directory for %q: %w", sock, err)
		}
	}

	ingestConn, err := bindUnixgram(opt.ingestSock)
	if err != nil {
		return fmt.Errorf("logd: bind ingest socket: %w", err)
	}
	egressLn, err := bindUnix(opt.egressSock)
	if err != nil {
		return fmt.Errorf("logd: bind egress socket: %w", err)
	}
	controlLn, err := bindUnix(opt.controlSock)
	if err != nil {
		return fmt.Errorf("logd: bind control socket: %w", err)
	}

	d, err := daemon.New(ctx, daemon.Config{
		IngestConn:      ingestConn,
		EgressListener:  egressLn,
		ControlListener: controlLn,
		PeerCredentials: processCredentials,
		ConfigStore:     configfile.NewStore(opt.configPath),
		TagMapPaths:     []string{opt.tagMapPath},
		PersistPath:     opt.persistPath,
		Levels:          levels,
		Version:         version,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	logger.Info("logd serving", "ingest", opt.ingestSock, "egress", opt.egressSock, "control", opt.controlSock)
	return d.Run(ctx)
}

// bindUnixgram binds an ingest datagram socket, removing any stale socket
// file left behind by a prior process.
func bindUnixgram(path string) (net.PacketConn, error) {
	os.Remove(path)
	return net.ListenPacket("unixgram", path)
}

// bindUnix binds a stream socket, removing any stale socket file left
// behind by a prior process.
func bindUnix(path string) (net.Listener, error) {
	os.Remove(path)
	return net.Listen("unix", path)
}

// processCredentials is the default PeerCredentials implementation. The
// platform's real socket peer-credential syscall (SO_PEERCRED on Linux)
// isn't reachable through any dependency in this module's stack (see
// DESIGN.md's internal/ingest notes), so this attributes every
// datagram to the daemon's own process identity rather than the true
// sender. A production deployment wires in a platform-specific
// implementation satisfying ingest.PeerCredentials instead.
func processCredentials(net.Addr) (uid, pid int32, ok bool) {
	return int32(os.Getuid()), int32(os.Getpid()), true
}
