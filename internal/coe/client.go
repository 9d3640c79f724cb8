package coe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/sii"
)

// Registers is configured-address register access to one segment.
type Registers interface {
	ReadRegister(ctx context.Context, station, register uint16, data []byte) error
	WriteRegister(ctx context.Context, station, register uint16, data []byte) error
}

const (
	// DefaultTimeout bounds one mailbox round trip.
	DefaultTimeout = time.Second

	pollInterval = 500 * time.Microsecond

	smMailboxIn = 1 // slave to master
)

// Client performs SDO transfers with one slave. Calls are serialized; the
// mailbox holds a single outstanding request.
type Client struct {
	regs    Registers
	station uint16
	mbx     sii.MailboxConfig
	timeout time.Duration

	mu      sync.Mutex
	counter uint8
	out     []byte
	in      []byte
}

// NewClient creates an SDO client for the slave at station using the mailbox
// layout read from its SII.
func NewClient(regs Registers, station uint16, mbx sii.MailboxConfig, timeout time.Duration) (*Client, error) {
	if !mbx.CoE() {
		return nil, ecerr.E("coe", ecerr.KindProtocol,
			fmt.Errorf("station %#04x does not support CoE", station))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		regs:    regs,
		station: station,
		mbx:     mbx,
		timeout: timeout,
		out:     make([]byte, mbx.RxSize),
		in:      make([]byte, mbx.TxSize),
	}, nil
}

func (c *Client) nextCounter() uint8 {
	c.counter = c.counter%7 + 1
	return c.counter
}

// Upload reads index:sub from the object dictionary.
func (c *Client) Upload(ctx context.Context, index uint16, sub uint8) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := EncodeUpload(c.out, c.nextCounter(), index, sub)
	if err != nil {
		return nil, err
	}
	msg, err := c.exchange(ctx, n, index, sub)
	if err != nil {
		return nil, err
	}
	if msg.Command != scsUploadInitiate {
		return nil, ecerr.E("coe", ecerr.KindProtocol,
			fmt.Errorf("upload %04X:%02X: unexpected command specifier %d", index, sub, msg.Command))
	}
	return append([]byte(nil), msg.Data...), nil
}

// Download writes data to index:sub.
func (c *Client) Download(ctx context.Context, index uint16, sub uint8, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := EncodeDownload(c.out, c.nextCounter(), index, sub, data)
	if err != nil {
		return err
	}
	msg, err := c.exchange(ctx, n, index, sub)
	if err != nil {
		return err
	}
	if msg.Command != scsDownloadInitiate {
		return ecerr.E("coe", ecerr.KindProtocol,
			fmt.Errorf("download %04X:%02X: unexpected command specifier %d", index, sub, msg.Command))
	}
	return nil
}

// exchange writes the first n bytes of c.out into the receive mailbox, waits
// for the send mailbox to fill and decodes the answer.
func (c *Client) exchange(ctx context.Context, n int, index uint16, sub uint8) (Sdo, error) {
	if err := c.flush(ctx); err != nil {
		return Sdo{}, err
	}

	// The mailbox only triggers once its last byte is written.
	clear(c.out[n:])
	if err := c.regs.WriteRegister(ctx, c.station, c.mbx.RxOffset, c.out); err != nil {
		return Sdo{}, fmt.Errorf("write mailbox %04X:%02X: %w", index, sub, err)
	}

	if err := c.waitFull(ctx); err != nil {
		return Sdo{}, fmt.Errorf("mailbox %04X:%02X: %w", index, sub, err)
	}
	if err := c.regs.ReadRegister(ctx, c.station, c.mbx.TxOffset, c.in); err != nil {
		return Sdo{}, fmt.Errorf("read mailbox %04X:%02X: %w", index, sub, err)
	}

	_, msg, err := Decode(c.in)
	if err != nil {
		return Sdo{}, ecerr.E("coe", ecerr.KindProtocol, err)
	}
	if msg.IsAbort() {
		return Sdo{}, abortError(msg.Index, msg.SubIndex, msg.AbortCode)
	}
	if msg.Service != ServiceSdoResponse || msg.Index != index || msg.SubIndex != sub {
		return Sdo{}, ecerr.E("coe", ecerr.KindProtocol,
			fmt.Errorf("response %04X:%02X (service %d) does not answer %04X:%02X",
				msg.Index, msg.SubIndex, msg.Service, index, sub))
	}
	return msg, nil
}

func (c *Client) mailboxFull(ctx context.Context) (bool, error) {
	var status [1]byte
	if err := c.regs.ReadRegister(ctx, c.station, frame.SMStatusAddr(smMailboxIn), status[:]); err != nil {
		return false, err
	}
	return status[0]&frame.SMStatusMailboxFull != 0, nil
}

// flush discards a response left behind by an earlier, abandoned exchange.
func (c *Client) flush(ctx context.Context) error {
	full, err := c.mailboxFull(ctx)
	if err != nil {
		return fmt.Errorf("mailbox status: %w", err)
	}
	if full {
		return c.regs.ReadRegister(ctx, c.station, c.mbx.TxOffset, c.in)
	}
	return nil
}

func (c *Client) waitFull(ctx context.Context) error {
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		full, err := c.mailboxFull(ctx)
		if err != nil {
			return err
		}
		if full {
			return nil
		}
		if time.Now().After(deadline) {
			return ecerr.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
