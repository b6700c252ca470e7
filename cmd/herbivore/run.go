package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philsphicas/herbivore/internal/node"
	"github.com/philsphicas/herbivore/internal/protocol"
	"github.com/philsphicas/herbivore/internal/relay"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the proxy network and relay requests",
		Long: `Authenticate with the coordination server as a node, keep the session
alive and relay HTTP requests through this machine's network connection.

The node reconnects after every failure, rotating through the endpoints,
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runNode,
	}
	addNodeFlags(cmd)
	return cmd
}

// addNodeFlags adds the node flags to a command.
func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("user-id", "", "account user id (or HERBIVORE_USER_ID)")
	cmd.Flags().String("node-type", "1.25x", "node type: 1x, 2x or 1.25x (or HERBIVORE_NODE_TYPE)")
	cmd.Flags().StringSlice("endpoint", nil, "coordination server endpoint, repeatable (or HERBIVORE_ENDPOINTS, comma-separated)")
	cmd.Flags().Int("relay-workers", 4, "max concurrent relayed requests (1 = one at a time)")
	cmd.Flags().Duration("relay-timeout", 60*time.Second, "timeout for each relayed request")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "timeout for the WebSocket handshake")
	cmd.Flags().Duration("ping-interval", 60*time.Second, "interval between PING messages")
	cmd.Flags().Duration("reconnect-delay", time.Second, "delay before reconnecting")
	cmd.Flags().Duration("reconnect-max", time.Second, "max reconnect delay; larger than --reconnect-delay enables backoff")
	cmd.Flags().Int64("read-limit", 16<<20, "max inbound message size in bytes")
	cmd.Flags().Int64("max-body", 32<<20, "max relayed response body size in bytes")
}

func runNode(cmd *cobra.Command, args []string) error {
	userID, err := resolveUserID(cmd)
	if err != nil {
		return err
	}
	nodeType, err := resolveNodeType(cmd)
	if err != nil {
		return err
	}
	endpoints := resolveEndpoints(cmd)

	workers, _ := cmd.Flags().GetInt("relay-workers")
	relayTimeout, _ := cmd.Flags().GetDuration("relay-timeout")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	reconnectDelay, _ := cmd.Flags().GetDuration("reconnect-delay")
	reconnectMax, _ := cmd.Flags().GetDuration("reconnect-max")
	readLimit, _ := cmd.Flags().GetInt64("read-limit")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	logger, closeLog, err := resolveLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	client, err := node.New(node.Config{
		UserID:    userID,
		NodeType:  nodeType,
		Endpoints: endpoints,
		Relayer: relay.New(relay.Config{
			Timeout:     relayTimeout,
			MaxBodySize: maxBody,
			Logger:      logger,
			Metrics:     m,
		}),
		RelayWorkers:   workers,
		PingInterval:   pingInterval,
		DialTimeout:    dialTimeout,
		ReconnectDelay: reconnectDelay,
		ReconnectMax:   reconnectMax,
		ReadLimit:      readLimit,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

// resolveUserID returns the user id from --user-id or HERBIVORE_USER_ID.
func resolveUserID(cmd *cobra.Command) (string, error) {
	if id, _ := cmd.Flags().GetString("user-id"); id != "" {
		return id, nil
	}
	if id := os.Getenv("HERBIVORE_USER_ID"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("user id is required: use --user-id or set HERBIVORE_USER_ID")
}

// resolveNodeType returns the node type from --node-type if set explicitly,
// then HERBIVORE_NODE_TYPE, then the flag default.
func resolveNodeType(cmd *cobra.Command) (protocol.NodeType, error) {
	s, _ := cmd.Flags().GetString("node-type")
	if !cmd.Flags().Changed("node-type") {
		if env := os.Getenv("HERBIVORE_NODE_TYPE"); env != "" {
			s = env
		}
	}
	return protocol.ParseNodeType(s)
}

// resolveEndpoints returns --endpoint values, then HERBIVORE_ENDPOINTS. An
// empty result selects node.DefaultEndpoints.
func resolveEndpoints(cmd *cobra.Command) []string {
	if eps, _ := cmd.Flags().GetStringSlice("endpoint"); len(eps) > 0 {
		return eps
	}
	return node.ParseEndpoints(os.Getenv("HERBIVORE_ENDPOINTS"))
}
