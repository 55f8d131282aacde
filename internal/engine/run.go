package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/rfc5444d/internal/netio"
)

// inboundDatagram pairs a received datagram with the name of the interface
// it arrived on, since netio.Datagram itself carries no such label.
type inboundDatagram struct {
	ifcName string
	dgram   netio.Datagram
}

// RunProtocol runs every interface socket owned by p until ctx is done,
// feeding received datagrams into p's reader via Receive. Every socket's
// Run call is given its own goroutine (one per interface, reading its own
// kernel socket), but all of them write into one shared channel drained by
// a single dispatch goroutine, so every call into Engine happens on that one
// goroutine. Engine is documented as not safe for concurrent use: a
// per-interface dispatch goroutine would call Receive (and so mutate
// Protocol.inputAddress/inputInterface) from more than one goroutine at
// once on any protocol with more than one interface. RunProtocol blocks
// until every socket's Run call has returned and the dispatch goroutine
// has drained, which happens once ctx is cancelled.
func (e *Engine) RunProtocol(ctx context.Context, p *Protocol) error {
	g, gCtx := errgroup.WithContext(ctx)

	in := make(chan inboundDatagram, 64*len(p.interfaces))

	for _, ifc := range p.interfaces {
		ifcName := ifc.name
		out := make(chan netio.Datagram, 64)

		g.Go(func() error {
			return ifc.socket.Run(gCtx, out)
		})
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case dgram := <-out:
					select {
					case in <- inboundDatagram{ifcName: ifcName, dgram: dgram}:
					case <-gCtx.Done():
						return nil
					}
				}
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case msg := <-in:
				e.Receive(p, msg.ifcName, msg.dgram.Src.Addr(), msg.dgram.Payload)
			}
		}
	})

	return g.Wait()
}
