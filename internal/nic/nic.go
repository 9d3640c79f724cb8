// Package nic connects a PDU loop to the wire.
package nic

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/logger"
	"bytemomo/ecmaster/internal/pdu"
)

// Link carries EtherCAT frames without their Ethernet header.
//
// WriteFrame must not retain payload after it returns. ReadFrame blocks
// until a frame arrives, ctx is done or the link is closed, and returns
// io.EOF once closed.
type Link interface {
	WriteFrame(ctx context.Context, payload []byte) error
	ReadFrame(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Run serves loop over link until ctx is done, the loop is closed or the
// link fails. It transmits every sendable frame when woken and hands every
// received frame to the loop.
func Run(ctx context.Context, loop *pdu.Loop, link Link, log *logrus.Entry) error {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithField("component", "nic")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		send := func(b []byte) error { return link.WriteFrame(ctx, b) }
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-loop.Done():
				return nil
			case <-loop.Wake():
			}
			if err := loop.SendFrames(send); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.WithError(err).Warn("Transmit failed")
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		buf := make([]byte, frame.MaxPayloadLen)
		for {
			n, err := link.ReadFrame(ctx, buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if err := loop.Deliver(buf[:n]); err != nil {
				if errors.Is(err, ecerr.ErrStaleResponse) {
					log.WithError(err).Debug("Dropped stale response")
				} else {
					log.WithError(err).Debug("Dropped malformed frame")
				}
			}
		}
	})

	// Unblock the reader once the loop shuts down.
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-loop.Done():
		}
		return link.Close()
	})

	return g.Wait()
}
