package agent

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"

	"vpnpool/internal/config"
	"vpnpool/internal/wireguard"
)

// CounterSource reads cumulative rx/tx byte counters of an interface.
type CounterSource interface {
	Counters(ctx context.Context, iface string) (rx, tx uint64, err error)
}

// procCounters reads /proc/net/dev.
type procCounters struct {
	fs procfs.FS
}

func (p procCounters) Counters(_ context.Context, iface string) (uint64, uint64, error) {
	dev, err := p.fs.NetDev()
	if err != nil {
		return 0, 0, err
	}
	line, ok := dev[iface]
	if !ok {
		return 0, 0, fmt.Errorf("interface %s not found", iface)
	}
	return line.RxBytes, line.TxBytes, nil
}

// wgCounters sums peer transfer totals of the wg interface.
type wgCounters struct {
	wg *wireguard.Manager
}

func (w wgCounters) Counters(ctx context.Context, iface string) (uint64, uint64, error) {
	if iface != w.wg.Interface() {
		return 0, 0, fmt.Errorf("interface %s is not %s", iface, w.wg.Interface())
	}
	return w.wg.Transfer(ctx)
}

// fallbackCounters tries each source in order.
type fallbackCounters []CounterSource

func (f fallbackCounters) Counters(ctx context.Context, iface string) (uint64, uint64, error) {
	var lastErr error
	for _, src := range f {
		rx, tx, err := src.Counters(ctx, iface)
		if err == nil {
			return rx, tx, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no counter source")
	}
	return 0, 0, lastErr
}

func newCounterSource(cfg config.AgentConfig, wg *wireguard.Manager) CounterSource {
	var sources fallbackCounters
	if fs, err := procfs.NewFS(procfs.DefaultMountPoint); err == nil {
		sources = append(sources, procCounters{fs: fs})
	}
	if cfg.TrafficInterface == "" || cfg.TrafficInterface == cfg.WGInterface {
		sources = append(sources, wgCounters{wg: wg})
	}
	return sources
}
