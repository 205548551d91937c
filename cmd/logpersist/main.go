// Command logpersist is the administrative CLI wrapper described in
// spec.md §6: three subcommands (cat, start, stop) that talk to logd's
// control socket to manage a background tail that mirrors a partition to
// a bounded file for later collection.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var controlSock string

	rootCmd := &cobra.Command{
		Use:   "logpersist",
		Short: "Administrative wrapper for logd's persistent logging tail",
	}
	rootCmd.PersistentFlags().StringVar(&controlSock, "control-sock", "/tmp/logd/control.sock", "logd control socket path")

	catCmd := &cobra.Command{
		Use:   "cat",
		Short: "Print the persisted log",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(controlSock, "persistCat")
			if err != nil {
				return exitError(err)
			}
			fmt.Print(reply)
			return nil
		},
	}

	var size int
	var buffer string
	var clear bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start persisting a buffer to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLine := fmt.Sprintf("persistStart buffer=%s size=%d", buffer, size)
			if clear {
				cmdLine += " clear=1"
			}
			reply, err := sendCommand(controlSock, cmdLine)
			if err != nil {
				return exitError(err)
			}
			return checkReply(reply)
		},
	}
	startCmd.Flags().IntVar(&size, "size", 256, "persisted file size cap in KB (1..2048)")
	startCmd.Flags().StringVar(&buffer, "buffer", "all", "partition name, or \"all\"")
	startCmd.Flags().BoolVar(&clear, "clear", false, "clear any existing persisted content before starting")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop persisting to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(controlSock, "persistStop")
			if err != nil {
				return exitError(err)
			}
			return checkReply(reply)
		},
	}

	rootCmd.AddCommand(catCmd, startCmd, stopCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sendCommand dials the control socket, sends one line, and returns the
// full reply (spec.md §4.8: one command per connection).
func sendCommand(sock, line string) (string, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return "", fmt.Errorf("logpersist: connect to %q: %w", sock, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("logpersist: write command: %w", err)
	}

	var b strings.Builder
	r := bufio.NewReader(conn)
	if _, err := b.ReadFrom(r); err != nil && b.Len() == 0 {
		return "", fmt.Errorf("logpersist: read reply: %w", err)
	}
	return b.String(), nil
}

// checkReply maps a control-protocol reply to the exit code convention in
// spec.md §6: 0 on success, 1 on invalid argument or service disabled.
func checkReply(reply string) error {
	reply = strings.TrimSpace(reply)
	if reply == "success" {
		return nil
	}
	return exitError(fmt.Errorf("logpersist: %s", reply))
}

func exitError(err error) error {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
	return nil
}
