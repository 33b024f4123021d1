// Package client is the qubesctl-side counterpart of package mgmt: it
// dials one of the daemon's three sockets, writes a request with
// mgmt.WriteRequest, and decodes the reply with mgmt.ReadResponse. This
// mirrors the reference daemon's own split between "lxd" (server) and
// "lxd/client" (a thin Go package wrapping the same wire protocol the
// CLI and every other caller use) rather than giving qubesctl its own
// bespoke framing.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"

	"github.com/openqube/qubesd/internal/mgmt"
	"github.com/openqube/qubesd/internal/qerrors"
)

// Client speaks the management API wire protocol over a single Unix
// socket path. Every Call dials a fresh connection, matching the
// daemon's one-connection-per-request server loop (spec §4.6). Source
// is the caller identity placed on the wire's "<source-name>" field;
// qubesctl always calls in as "dom0", the local administrative caller.
type Client struct {
	SocketPath string
	Dest       string
	Source     string
}

// New returns a Client bound to socketPath, identifying itself as dom0.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Source: "dom0"}
}

// Call issues one request and returns the response payload, or the
// *qerrors.Error the daemon reported.
func (c *Client) Call(ctx context.Context, method, arg, dest string, payload []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "connecting to %s", c.SocketPath)
	}
	defer conn.Close()

	req := mgmt.Request{Source: c.Source, Method: method, Arg: arg, Dest: dest, Payload: payload}
	if err := mgmt.WriteRequest(conn, req); err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "writing request")
	}
	if tc, ok := conn.(*net.UnixConn); ok {
		_ = tc.CloseWrite()
	}

	resp, err := mgmt.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "reading response")
	}
	if !resp.OK {
		return nil, &qerrors.Error{Kind: resp.Kind, Message: resp.Message, Args: resp.Args}
	}
	return resp.Payload, nil
}

// Stream issues a request whose response is a sequence of event frames
// (admin.Events) and invokes fn for each one until the connection
// closes or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, method, arg, dest string, fn func([]byte) error) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return qerrors.Wrap(qerrors.External, err, "connecting to %s", c.SocketPath)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	req := mgmt.Request{Source: c.Source, Method: method, Arg: arg, Dest: dest}
	if err := mgmt.WriteRequest(conn, req); err != nil {
		return qerrors.Wrap(qerrors.External, err, "writing request")
	}
	if tc, ok := conn.(*net.UnixConn); ok {
		_ = tc.CloseWrite()
	}

	r := bufio.NewReader(conn)
	for {
		status, err := r.ReadString(0)
		if err != nil {
			return nil
		}
		switch strings.TrimSuffix(status, "\x00") {
		case "1":
			frame, ferr := mgmt.ReadEventFrame(r)
			if ferr != nil {
				return nil
			}
			if err := fn(frame); err != nil {
				return err
			}
		case "2":
			kind, _ := r.ReadString(0)
			traceback, _ := r.ReadString(0)
			message, _ := r.ReadString(0)
			_, _ = r.ReadString(0) // args, unused here
			return &qerrors.Error{
				Kind:    qerrors.Kind(strings.TrimSuffix(kind, "\x00")),
				Message: strings.TrimSuffix(message, "\x00"),
				Cause:   stringErr(strings.TrimSuffix(traceback, "\x00")),
			}
		default:
			return nil
		}
	}
}

// stringErr wraps a non-empty string as an error for Cause, or returns
// nil so Error.Error() doesn't print an empty ": <nil>" suffix.
func stringErr(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
