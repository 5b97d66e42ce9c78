package miner

import (
	"context"
	"errors"
	"io"
	"net/netip"

	"go.uber.org/zap"
)

// Restart restarts the mining process on the device. Most firmwares drop the
// API connection while restarting, so an empty reply counts as success.
func (c *Client) Restart(ctx context.Context, addr netip.Addr) error {
	return c.exec(ctx, addr, "restart")
}

// Pause stops hashing without powering the device down. Supported by Braiins
// and Vnish firmwares; stock firmware answers with an API error.
func (c *Client) Pause(ctx context.Context, addr netip.Addr) error {
	return c.exec(ctx, addr, "pause")
}

// Resume restarts hashing after a Pause.
func (c *Client) Resume(ctx context.Context, addr netip.Addr) error {
	return c.exec(ctx, addr, "resume")
}

// exec runs a control command and checks the API status.
func (c *Client) exec(ctx context.Context, addr netip.Addr, command string) error {
	reply, err := c.command(ctx, addr, command)
	if err != nil {
		var pe *ProbeError
		if errors.As(err, &pe) && (errors.Is(pe.Err, io.EOF) || errors.Is(pe.Err, io.ErrUnexpectedEOF)) {
			// Connection dropped mid-reply; the command was accepted.
			c.logger.Debug("control command closed connection",
				zap.String("ip", addr.String()),
				zap.String("command", command),
			)
			return nil
		}
		return err
	}
	if serr := reply.statusErr(); serr != nil {
		return &ProbeError{Addr: addr, Op: command, Err: serr}
	}
	return nil
}
