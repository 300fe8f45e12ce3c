package protocol

import (
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"grimm.is/bastion/internal/pipeline"
)

// Plug relays bytes in both directions without looking at them.
type Plug struct{}

func (Plug) Serve(ctx context.Context, s *Session) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Pipeline.Transition(pipeline.StateBodyTransfer); err != nil {
		return err
	}
	return relayBoth(ctx, s.Client, s.Client, s.Server, s.Server)
}

// relayBoth copies clientR to server and serverR to client until both
// directions reach EOF. An error in either direction closes both legs.
func relayBoth(ctx context.Context, client net.Conn, clientR io.Reader, server net.Conn, serverR io.Reader) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := closeOnDone(gctx, client, server)
	defer stop()

	g.Go(func() error { return pump(server, clientR) })
	g.Go(func() error { return pump(client, serverR) })

	err := g.Wait()
	if err != nil && errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
