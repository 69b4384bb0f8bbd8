package device

import (
	"sync"

	"github.com/rileyhilliard/rdev/internal/config"
	"github.com/rileyhilliard/rdev/internal/logger"
	"github.com/rileyhilliard/rdev/internal/transfer"
)

// Registry creates devices from the configuration on first use and hands
// out the same Device for a name afterwards.
type Registry struct {
	cfg      *config.Config
	notifier Notifier
	log      logger.Logger

	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry returns a registry over cfg. notifier and log are shared by
// every device.
func NewRegistry(cfg *config.Config, notifier Notifier, log logger.Logger) *Registry {
	return &Registry{cfg: cfg, notifier: notifier, log: log, devices: make(map[string]*Device)}
}

// Get returns the named device, creating it if needed.
func (r *Registry) Get(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		return d, nil
	}

	opts, err := r.options(name)
	if err != nil {
		return nil, err
	}
	d := New(opts)
	r.devices[name] = d
	return d, nil
}

// OptionsFor builds device options for name from the configuration.
func OptionsFor(cfg *config.Config, name string) (Options, error) {
	params, err := cfg.Parameters(name)
	if err != nil {
		return Options{}, err
	}
	dev := cfg.Devices[name]
	method, err := transfer.ParseMethod(dev.EffectiveTransferMethod())
	if err != nil {
		return Options{}, err
	}

	return Options{
		Name:            name,
		Params:          params,
		Sharing:         cfg.ConnectionSharing,
		SharingTimeout:  cfg.SharingTimeout,
		SSHBinary:       cfg.SSHBinary,
		SFTPBinary:      cfg.SFTPBinary,
		RsyncBinary:     cfg.RsyncBinary,
		TransferMethod:  method,
		RsyncFlags:      dev.EffectiveRsyncFlags(),
		TransferWorkers: cfg.TransferWorkers,
		SourceProfile:   dev.SourceProfile,
		ReaperTimeout:   cfg.ReaperTimeout,
		Bridge:          cfg.SFTPBridge,
	}, nil
}

func (r *Registry) options(name string) (Options, error) {
	opts, err := OptionsFor(r.cfg, name)
	if err != nil {
		return Options{}, err
	}
	opts.Notifier = r.notifier
	if r.log != nil {
		opts.Log = r.log
	}
	opts.Peers = r.Get
	return opts, nil
}

// Close disconnects every device the registry created.
func (r *Registry) Close() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
}
