// Package daemon runs a node and its HTTP endpoints under a service manager.
package daemon

import (
	"context"

	"github.com/hybridpos/vssnode/services/node"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/servicemanager"
)

type Daemon struct {
	logger   ulogger.Logger
	settings *settings.Settings
	nodeOpts []node.Option
}

func New(logger ulogger.Logger, tSettings *settings.Settings, nodeOpts ...node.Option) *Daemon {
	return &Daemon{
		logger:   logger,
		settings: tSettings,
		nodeOpts: nodeOpts,
	}
}

// Run blocks until ctx is done, a signal arrives or a service fails. A
// RESTART_REQUIRED error means the process should be started again.
func (d *Daemon) Run(ctx context.Context) error {
	sm := servicemanager.NewServiceManager(ctx, d.logger)

	if addr := d.settings.Metrics.ListenAddress; addr != "" {
		if err := sm.AddService("http", newHTTPService(d.logger, addr, sm, d.settings.Metrics.Profiling)); err != nil {
			return d.abort(sm, err)
		}
	}

	if err := sm.AddService("node", node.New(d.logger, d.settings, d.nodeOpts...)); err != nil {
		return d.abort(sm, err)
	}

	return sm.Wait()
}

func (d *Daemon) abort(sm *servicemanager.ServiceManager, err error) error {
	d.logger.Errorf("error starting services: %v", err)

	sm.ForceShutdown()
	_ = sm.Wait()

	return err
}
