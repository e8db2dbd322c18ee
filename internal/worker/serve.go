package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/dualbench/internal/ipc"
)

// Serve answers round requests arriving on conn until the connection closes or
// ctx is cancelled. Every test message is answered with exactly one testResult or
// error message.
func (d *Driver) Serve(ctx context.Context, conn ipc.Conn) error {
	for {
		msg, err := conn.Recv(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ipc.ErrUnknownType):
			if err := conn.Send(ctx, ipc.Error{Reason: "unknown message type"}); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
			continue
		case errors.Is(err, ipc.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("receive: %w", err)
		}

		test, ok := msg.(ipc.Test)
		if !ok {
			d.logger.Warn("unexpected message", slog.String("type", string(msg.Type())))
			if err := conn.Send(ctx, ipc.Error{Reason: "unknown message type"}); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
			continue
		}

		if err := d.handleTest(ctx, conn, test); err != nil {
			return err
		}
	}
}

func (d *Driver) handleTest(ctx context.Context, conn ipc.Conn, test ipc.Test) error {
	progress := func(u ipc.TxUpdated) {
		if err := conn.Send(ctx, u); err != nil {
			d.logger.Warn("send progress", slog.String("round", test.Label), slog.String("error", err.Error()))
		}
	}

	results, err := d.RunRound(ctx, test, progress)
	if err != nil {
		d.logger.Error("round failed", slog.String("round", test.Label), slog.String("error", err.Error()))
		if serr := conn.Send(ctx, ipc.Error{Reason: err.Error()}); serr != nil {
			return fmt.Errorf("send error: %w", serr)
		}
		return nil
	}
	if err := conn.Send(ctx, ipc.TestResult{Results: results}); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}
