package device

import (
	"context"
	"fmt"

	"github.com/rileyhilliard/rdev/internal/errors"
	"github.com/rileyhilliard/rdev/internal/transfer"
)

// Transfer copies setup's files. Sources and targets may be local, on
// this device or on a peer device. When the job uses this device's
// preferred method and that method was never probed, it is probed first.
func (d *Device) Transfer(ctx context.Context, setup transfer.Setup) error {
	if setup.RsyncFlags == nil {
		setup.RsyncFlags = d.opts.RsyncFlags
	}
	if d.targetsOnlyThis(setup) {
		d.probe(ctx, setup.Method)
	}
	return d.engine.Transfer(ctx, setup)
}

// Push copies local files to this device with the preferred method.
func (d *Device) Push(ctx context.Context, files []transfer.FileToTransfer, progress func(transfer.Progress)) error {
	return d.Transfer(ctx, transfer.Setup{Files: files, Method: d.opts.TransferMethod, Progress: progress})
}

// Capabilities returns the transfer methods confirmed so far.
func (d *Device) Capabilities() transfer.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) targetsOnlyThis(setup transfer.Setup) bool {
	for _, f := range setup.Files {
		if !f.Source.IsLocal() || f.Target.Device != d.opts.Name {
			return false
		}
	}
	return len(setup.Files) > 0
}

// probe confirms m once per device. Probe failures leave the method
// unconfirmed so selection falls back to generic copying.
func (d *Device) probe(ctx context.Context, m transfer.Method) {
	if m == transfer.MethodGeneric {
		return
	}
	d.mu.Lock()
	done := d.probed[m]
	d.mu.Unlock()
	if done {
		return
	}

	r, err := d.remote(d.opts.Name)
	if err != nil {
		return
	}
	var probeErr error
	switch m {
	case transfer.MethodSftp:
		probeErr = d.engine.ProbeSftp(ctx, r)
	case transfer.MethodRsync:
		probeErr = d.engine.ProbeRsync(ctx, r)
	}
	if probeErr != nil {
		d.log.Info("%s doesn't work with %s: %v", m, d.opts.Name, probeErr)
	}
	if ctx.Err() != nil {
		return
	}
	d.setCapability(m, probeErr == nil)
}

func (d *Device) setCapability(m transfer.Method, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probed[m] = true
	switch m {
	case transfer.MethodSftp:
		d.caps.Sftp = ok
	case transfer.MethodRsync:
		d.caps.Rsync = ok
	}
}

// remote describes a device to the transfer engine.
func (d *Device) remote(name string) (*transfer.Remote, error) {
	if name != d.opts.Name {
		if d.opts.Peers == nil {
			return nil, unknownPeer(name)
		}
		peer, err := d.opts.Peers(name)
		if err != nil {
			return nil, err
		}
		return peer.remote(name)
	}

	r := &transfer.Remote{
		Name:   d.opts.Name,
		Params: d.opts.Params,
		FS:     d.FileAccess(),
		Caps:   d.Capabilities(),
	}
	if d.opts.Sharing && d.opts.Params.Link == nil {
		r.Attach = func(ctx context.Context) (string, func(), error) {
			lease, err := d.currentPool().Attach(ctx, d.opts.Params)
			if err != nil {
				return "", nil, err
			}
			socket, err := lease.Wait(ctx)
			if err != nil {
				lease.Release()
				return "", nil, err
			}
			return socket, lease.Release, nil
		}
	}
	return r, nil
}

func unknownPeer(name string) error {
	return errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown device '%s'", name),
		"List configured devices with: rdev devices list")
}
