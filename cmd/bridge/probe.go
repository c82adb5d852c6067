package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/bridge/internal/config"
	"github.com/Zereker/bridge/protocol"
)

type probeOptions struct {
	addr           string
	connectTimeout time.Duration
	timeout        time.Duration
	command        string
	params         string
	sessionID      string
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Handshake with a running bridge and measure the ping round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if opts.addr == "" {
				opts.addr = cfg.Addr()
			}
			opts.connectTimeout = cfg.ConnectTimeout()
			if opts.timeout <= 0 {
				opts.timeout = cfg.ReadTimeout()
			}
			return probe(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Bridge address (default: host:port from config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-message timeout (default: read_timeout_secs)")
	cmd.Flags().StringVar(&opts.command, "command", "", "Command to send after the ping")
	cmd.Flags().StringVar(&opts.params, "params", "", "JSON params for --command")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Session id (default: random)")
	return cmd
}

// probe dials opts.addr, performs the client handshake, pings the server and
// optionally runs one command, printing each step to out.
func probe(opts probeOptions, out io.Writer) error {
	conn, err := net.DialTimeout("tcp", opts.addr, opts.connectTimeout)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", opts.addr)
	}

	session := protocol.NewSession(conn, protocol.WithTimeout(opts.timeout))
	defer session.Close()

	ack, err := session.Initiate(protocol.ClientInfo{
		EngineVersion: "probe",
		PluginVersion: version,
		SessionID:     opts.sessionID,
	}, opts.timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "handshake ok: server %s, capabilities %v\n", ack.ServerVersion, ack.Capabilities)

	rtt, err := ping(session, opts.timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pong in %s\n", rtt)

	if opts.command == "" {
		return nil
	}

	request := map[string]any{
		"type":    protocol.TypeCommand,
		"command": opts.command,
		"id":      1,
	}
	if opts.params != "" {
		if !json.Valid([]byte(opts.params)) {
			return errors.Errorf("--params is not valid JSON: %s", opts.params)
		}
		request["params"] = json.RawMessage(opts.params)
	}
	if err := session.Send(request); err != nil {
		return errors.Wrap(err, "send command")
	}

	reply, _, err := session.Receive(opts.timeout)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if pe, ok := protocol.EnvelopeError(reply); ok {
		return errors.Wrapf(pe, "command %q failed", opts.command)
	}

	result, err := json.Marshal(reply["result"])
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	fmt.Fprintf(out, "%s: %s\n", opts.command, result)
	return nil
}

// ping sends a ping and waits for the pong echoing its timestamp.
func ping(session *protocol.Session, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	ts, err := session.SendPing()
	if err != nil {
		return 0, errors.Wrap(err, "send ping")
	}

	deadline := start.Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, errors.New("no pong before timeout")
		}

		msg, _, err := session.Receive(remaining)
		if err != nil {
			return 0, errors.Wrap(err, "read pong")
		}

		switch msg.Type() {
		case protocol.TypePong:
			if echoed, ok := msg.Int64("ts"); ok && echoed == ts {
				return time.Since(start), nil
			}
		case protocol.TypePing:
			// the server may heartbeat first
			if echoed, ok := msg.Int64("ts"); ok {
				if err := session.SendPong(echoed); err != nil {
					return 0, errors.Wrap(err, "send pong")
				}
			}
		default:
			if pe, ok := protocol.EnvelopeError(msg); ok {
				return 0, pe
			}
		}
	}
}
