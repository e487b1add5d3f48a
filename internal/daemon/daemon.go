// Package daemon runs a configured stack as a long-lived process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/netlab/internal/config"
	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/httpd"
	"firestige.xyz/netlab/internal/link"
	"firestige.xyz/netlab/internal/link/sniffer"
	logpkg "firestige.xyz/netlab/internal/log"
	"firestige.xyz/netlab/internal/metrics"
	"firestige.xyz/netlab/internal/stack"

	// link drivers register themselves
	_ "firestige.xyz/netlab/internal/link/afpacket"
	_ "firestige.xyz/netlab/internal/link/file"
	_ "firestige.xyz/netlab/internal/link/pcap"
	_ "firestige.xyz/netlab/internal/link/tap"
)

// Version is reported at startup and by the CLI.
const Version = "0.1.0"

// Daemon owns one stack and the servers around it.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	log        logpkg.Logger
}

// New loads the configuration at configPath.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig uses an already validated configuration.
func NewWithConfig(cfg *config.GlobalConfig) *Daemon {
	return &Daemon{config: cfg, log: logpkg.GetLogger()}
}

// Run brings the interface up and serves until ctx is cancelled or the
// process receives SIGINT or SIGTERM. A clean shutdown returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	d.log = logpkg.GetLogger().WithField("module", "daemon")
	d.log.WithFields(map[string]interface{}{
		"version": Version,
		"config":  d.configPath,
		"driver":  d.config.Interface.Driver,
	}).Info("starting netlab")

	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer func() {
		if err := d.removePIDFile(); err != nil {
			d.log.WithError(err).Error("error removing PID file")
		}
	}()

	drv, err := d.openLink()
	if err != nil {
		return err
	}
	st, err := stack.New(stack.FromGlobal(d.config), drv, logpkg.GetLogger())
	if err != nil {
		drv.Close()
		return fmt.Errorf("failed to build stack: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			d.log.WithError(err).Warn("error closing link")
		}
	}()
	if err := st.Start(); err != nil {
		return err
	}

	var steps []func()
	if d.config.HTTP.Enabled {
		srv, err := httpd.Listen(st.TCP(), core.Port(d.config.HTTP.Port), d.config.TCP.Backlog,
			d.config.HTTP.DocRoot, logpkg.GetLogger())
		if err != nil {
			return err
		}
		defer srv.Close()
		steps = append(steps, srv.Serve)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if d.config.Metrics.Enabled {
		ms := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		g.Go(func() error { return ms.Run(gctx) })
	}
	// the stack is only touched from this goroutine from here on
	g.Go(func() error { return st.Run(gctx, steps...) })

	d.log.Info("daemon running")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.log.WithError(err).Error("daemon stopped with error")
		return err
	}
	d.log.Info("daemon stopped")
	return nil
}

// openLink opens the configured driver, recording frames when a pcap file
// is configured.
func (d *Daemon) openLink() (link.Driver, error) {
	ic := d.config.Interface
	drv, err := link.Open(ic.Driver, link.Config{
		Name:    ic.Name,
		MAC:     ic.HardwareAddr,
		MTU:     ic.MTU,
		Options: ic.Options,
	})
	if err != nil {
		return nil, err
	}
	if ic.PcapFile == "" {
		return drv, nil
	}
	s, err := sniffer.Open(drv, ic.PcapFile, logpkg.GetLogger())
	if err != nil {
		drv.Close()
		return nil, err
	}
	d.log.Infof("recording frames to %s", ic.PcapFile)
	return s, nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	path := d.config.Control.PIDFile
	if path == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	d.log.Debugf("PID file %s written, pid %d", path, pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	path := d.config.Control.PIDFile
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}
