// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/gpio"

	"github.com/n0ot/muxbridged/pkg/bridge"
	"github.com/n0ot/muxbridged/pkg/mux"
	"github.com/n0ot/muxbridged/pkg/seriallink"
	"github.com/n0ot/muxbridged/pkg/server"
	"github.com/n0ot/muxbridged/pkg/status"
)

const shutdownTimeout = 5 * time.Second

var (
	log        *logrus.Logger
	disableTLS bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the muxbridged server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", ":8080", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().StringP("web-root", "w", "", "Directory holding the browser terminal (empty disables static files)")
	viper.BindPFlag("server.webRoot", startCmd.Flags().Lookup("web-root"))
	startCmd.Flags().StringP("ws-bind", "W", ":81", "Additional host:port accepting websocket clients on /, where the browser terminal connects (empty disables)")
	viper.BindPFlag("server.wsBind", startCmd.Flags().Lookup("ws-bind"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent, in seconds; the config also accepts durations like \"30s\" (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().StringP("serial-port", "s", "/dev/serial0", "Serial port shared by the multiplexed boards")
	viper.BindPFlag("serial.port", startCmd.Flags().Lookup("serial-port"))
	startCmd.Flags().Int("baud-rate", seriallink.DefaultBaudRate, "Serial baud rate")
	viper.BindPFlag("serial.baudRate", startCmd.Flags().Lookup("baud-rate"))
	startCmd.Flags().IntP("channel", "c", 0, "Channel selected at startup")
	viper.BindPFlag("mux.initialChannel", startCmd.Flags().Lookup("channel"))
	startCmd.Flags().Bool("dry-run", false, "Simulate the multiplexer and status LED instead of driving GPIOs")
	viper.BindPFlag("mux.dryRun", startCmd.Flags().Lookup("dry-run"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.statusPassword", "")
	viper.SetDefault("tls.useTls", false)
	viper.SetDefault("serial.dataBits", 8)
	viper.SetDefault("serial.stopBits", 1)
	viper.SetDefault("serial.parity", "N")
	// Bare numbers in the duration keys below are read in the unit noted beside each.
	viper.SetDefault("serial.retryInterval", seriallink.DefaultRetryInterval) // seconds
	viper.SetDefault("mux.pins", mux.DefaultPins)
	viper.SetDefault("mux.switchInterval", mux.DefaultSwitchInterval) // milliseconds
	viper.SetDefault("mux.settleDelay", mux.DefaultSettleDelay)       // microseconds
	viper.SetDefault("bridge.bufferSize", bridge.DefaultBufferSize)
	viper.SetDefault("bridge.idleTimeout", bridge.DefaultIdleTimeout) // milliseconds
	viper.SetDefault("status.ledPin", "GPIO8")
	viper.SetDefault("status.ledActiveLow", true)
	viper.SetDefault("status.interval", status.DefaultReportInterval) // seconds
	viper.SetDefault("log.level", "info")
}

func newLogger() (*logrus.Logger, error) {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = new(logrus.TextFormatter)
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	l.Level = level
	return l, nil
}

func openSelector(dryRun bool, opts mux.Options) (*mux.Selector, error) {
	var lines []gpio.PinOut
	if dryRun {
		lines = mux.SimulatedLines()
	} else {
		var err error
		if lines, err = mux.OpenLines(viper.GetStringSlice("mux.pins")); err != nil {
			return nil, errors.Wrap(err, "Open multiplexer select lines")
		}
	}

	sel, err := mux.New(lines, opts)
	if err != nil {
		return nil, err
	}
	if err := sel.Init(); err != nil {
		return nil, err
	}

	initial := mux.Channel(viper.GetInt("mux.initialChannel"))
	if !sel.ForceSelectChannel(initial) {
		return nil, errors.Errorf("Cannot select initial channel %d", initial)
	}
	log.WithField("channel", initial.String()).Info("Multiplexer ready")
	return sel, nil
}

// openLED returns nil when no LED is configured or it cannot be opened.
func openLED(dryRun bool) gpio.PinOut {
	name := viper.GetString("status.ledPin")
	if dryRun || name == "" {
		return nil
	}
	pin, err := mux.OpenPin(name)
	if err != nil {
		log.WithFields(logrus.Fields{
			"pin":   name,
			"error": err,
		}).Warn("Status LED disabled")
		return nil
	}
	return pin
}

func runServer(cmd *cobra.Command, args []string) error {
	var err error
	if log, err = newLogger(); err != nil {
		return err
	}

	serialOpts, err := seriallink.Options{
		BaudRate: viper.GetInt("serial.baudRate"),
		DataBits: viper.GetInt("serial.dataBits"),
		StopBits: viper.GetInt("serial.stopBits"),
		Parity:   viper.GetString("serial.parity"),
	}.Normalize()
	if err != nil {
		return errors.Wrap(err, "Serial options")
	}

	var d durations
	muxOpts := mux.Options{
		SwitchInterval: d.get("mux.switchInterval", time.Millisecond),
		SettleDelay:    d.get("mux.settleDelay", time.Microsecond),
	}
	bridgeOpts := bridge.Options{
		BufferSize:  viper.GetInt("bridge.bufferSize"),
		IdleTimeout: d.get("bridge.idleTimeout", time.Millisecond),
	}
	retryInterval := d.get("serial.retryInterval", time.Second)
	timeBetweenPings := d.get("server.timeBetweenPings", time.Second)
	statusInterval := d.get("status.interval", time.Second)
	if d.err != nil {
		return d.err
	}

	dryRun := viper.GetBool("mux.dryRun")
	sel, err := openSelector(dryRun, muxOpts)
	if err != nil {
		return err
	}

	link := seriallink.New(log, viper.GetString("serial.port"), serialOpts, retryInterval)

	srv := &server.Server{
		TimeBetweenPings:  timeBetweenPings,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		WebRoot:           os.ExpandEnv(viper.GetString("server.webRoot")),
		StatusPassword:    viper.GetString("server.statusPassword"),
		Channels:          sel,
		Link:              link,
		Log:               log,
	}
	br := bridge.New(log, sel, link, srv, bridgeOpts)
	srv.Handler = br

	indicator := status.New(log, openLED(dryRun), br, status.Options{
		ReportInterval: statusInterval,
		ActiveLow:      viper.GetBool("status.ledActiveLow"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil {
			log.WithField("error", err).Error("Serial link stopped")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		br.Run(ctx, link.Bytes())
	}()
	go func() {
		defer wg.Done()
		indicator.Run(ctx)
	}()

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls") && !disableTLS

	log.WithFields(logrus.Fields{
		"serial_port": link.PortName(),
		"serial_mode": serialOpts.String(),
		"dry_run":     dryRun,
	}).Info("Starting muxbridged")

	listen := func(addr string) error {
		if useTLS {
			return srv.ListenAndServeTLS(addr, certFile, keyFile)
		}
		return srv.ListenAndServe(addr)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listen(bindAddr)
	}()
	if wsBind := viper.GetString("server.wsBind"); wsBind != "" && wsBind != bindAddr {
		go func() {
			// The main listener also accepts websocket clients, so losing this one is not fatal.
			if err := listen(wsBind); err != nil {
				log.WithFields(logrus.Fields{
					"addr":  wsBind,
					"error": err,
				}).Warn("Websocket listener stopped")
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.WithField("error", shutdownErr).Warn("Server shutdown")
	}
	wg.Wait()

	if initErr := sel.Init(); initErr != nil {
		log.WithField("error", initErr).Warn("Cannot deselect multiplexer")
	}
	return err
}
