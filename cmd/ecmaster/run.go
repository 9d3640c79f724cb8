package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bytemomo/ecmaster/internal/capture"
	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/master"
	"bytemomo/ecmaster/internal/nic"
	"bytemomo/ecmaster/internal/pdu"
	"bytemomo/ecmaster/internal/telemetry"
)

// run opens the configured link and drives the segment until ctx is done,
// cycles exchanges have run or a fatal error occurs.
func run(ctx context.Context, cfg *config.Config, cycles int, log *logrus.Entry) error {
	link, src, err := openLink(cfg)
	if err != nil {
		return err
	}

	if cfg.Capture.File != "" {
		f, err := os.Create(cfg.Capture.File)
		if err != nil {
			link.Close()
			return fmt.Errorf("create capture file: %w", err)
		}
		defer f.Close()
		cl, err := capture.Wrap(link, f, src, log)
		if err != nil {
			link.Close()
			return fmt.Errorf("start capture: %w", err)
		}
		defer func() {
			log.WithFields(logrus.Fields{"file": cfg.Capture.File, "frames": cl.Frames()}).Info("Capture written")
		}()
		link = cl
	}

	return runLink(ctx, cfg, link, cycles, log)
}

func openLink(cfg *config.Config) (nic.Link, net.HardwareAddr, error) {
	if cfg.Simulate != nil {
		seg, err := buildSegment(cfg.Simulate)
		return seg, nil, err
	}
	var src net.HardwareAddr
	if cfg.SourceMAC != "" {
		mac, err := net.ParseMAC(cfg.SourceMAC)
		if err != nil {
			return nil, nil, err
		}
		src = mac
	}
	raw, err := nic.OpenRaw(cfg.Interface, src)
	if err != nil {
		return nil, nil, err
	}
	return raw, raw.Source(), nil
}

// runLink owns link and closes it before returning.
func runLink(ctx context.Context, cfg *config.Config, link nic.Link, cycles int, log *logrus.Entry) error {
	storage, err := pdu.NewStorage(cfg.Storage.MaxFrames, cfg.Storage.MaxPduData)
	if err != nil {
		link.Close()
		return err
	}
	client := master.NewClient(storage, timeouts(cfg.Timeouts), log)

	// The network task outlives ctx so that shutdown can still reach the
	// slaves after an interrupt.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error { return nic.Run(gctx, client.Loop(), link, log) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(gctx, cancel)
	defer stop()

	setup := newDriveSetup(cfg.Drive, log)
	var hook master.Hook
	if setup != nil {
		hook = setup.Hook
	}
	groups := buildGroups(cfg.Groups, hook)

	if cfg.Telemetry.Enabled() {
		pub, err := telemetry.New(cfg.Telemetry, log)
		if err != nil {
			log.WithError(err).Warn("Telemetry disabled")
		} else {
			g.Go(func() error { return pub.Run(runCtx, groups) })
		}
	}

	err = operate(runCtx, cfg, client, groups, setup, cycles, log)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	shutdown(gctx, client, log)
	client.Close()
	cancel()
	if werr := g.Wait(); werr != nil {
		return fmt.Errorf("network task: %w", werr)
	}
	return err
}

func timeouts(t config.Timeouts) master.Timeouts {
	return master.Timeouts{
		Pdu:             t.Pdu,
		StateTransition: t.StateTransition,
		Eeprom:          t.Eeprom,
		Mailbox:         t.Mailbox,
		WaitLoopDelay:   t.WaitLoopDelay,
	}
}

// operate brings the segment up to OP and runs the cyclic exchange.
func operate(ctx context.Context, cfg *config.Config, client *master.Client, groups *master.GroupContainer,
	setup *driveSetup, cycles int, log *logrus.Entry) error {
	if err := client.Init(ctx, groups, assignByName(cfg.Groups)); err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}
	if client.NumSlaves() == 0 {
		log.Warn("No slaves on the segment")
		return nil
	}
	if err := client.RequestSlaveState(ctx, master.StateOp); err != nil {
		return fmt.Errorf("request OP: %w", err)
	}

	cycle := cfg.CycleTime
	var ctrl *driveController
	if setup != nil && setup.ref != nil {
		group, index, ok := locate(groups, setup.ref.Slave())
		if !ok {
			return fmt.Errorf("%w: drive %s is in no group", ecerr.ErrInternal, setup.ref.Name())
		}
		period, err := setup.cycleTime(ctx)
		if err != nil {
			return fmt.Errorf("read interpolation period: %w", err)
		}
		if period > 0 {
			cycle = period
		}
		log.WithFields(logrus.Fields{"slave": setup.ref.Name(), "cycle_time": cycle}).Info("Drive controls the cycle time")
		ctrl = newDriveController(setup.cfg, group, index, setup.log)
	}

	ticker := time.NewTicker(cycle)
	defer ticker.Stop()
	warn := warnLimiter{every: time.Second}
	log.WithField("cycle_time", cycle).Info("Cyclic exchange started")
	for n := 0; cycles <= 0 || n < cycles; n++ {
		if err := groups.TxRxAll(ctx, client); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ecerr.Fatal(err) {
				return err
			}
			warn.Warn(log.WithError(err), "Cyclic exchange failed")
		}
		if ctrl != nil {
			if err := ctrl.Step(); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// shutdown returns the segment to INIT.
func shutdown(ctx context.Context, client *master.Client, log *logrus.Entry) {
	if client.NumSlaves() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, client.Timeouts().StateTransition)
	defer cancel()
	if err := client.RequestSlaveState(ctx, master.StateInit); err != nil {
		log.WithError(err).Warn("Could not return slaves to INIT")
	}
}

// warnLimiter logs at most one warning per interval and reports how many it
// swallowed in between.
type warnLimiter struct {
	every      time.Duration
	last       time.Time
	suppressed int
}

func (w *warnLimiter) Warn(log *logrus.Entry, msg string) {
	now := time.Now()
	if !w.last.IsZero() && now.Sub(w.last) < w.every {
		w.suppressed++
		return
	}
	if w.suppressed > 0 {
		log = log.WithField("suppressed", w.suppressed)
	}
	log.Warn(msg)
	w.last, w.suppressed = now, 0
}
