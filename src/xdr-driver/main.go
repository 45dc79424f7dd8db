package main

/* Driver daemon for NMEA 0183 XDR weather transducers.

Reads transducer reports from a serial device in the background and
merges them into an observation record once per drain cycle. Can run in
the foreground or be installed as a system service.

*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/windvane/xdr-driver/src/xdr-driver/config"
	"github.com/windvane/xdr-driver/src/xdr-driver/monitor"
	"github.com/windvane/xdr-driver/src/xdr-driver/xdr"
)

const version = "1.1.0"

type program struct {
	configPath string
	log        *logrus.Logger

	cfg    config.Config
	handle *xdr.Handle
	cancel context.CancelFunc
}

func (prg *program) Start(_ service.Service) error {
	cfg, err := config.Load(prg.configPath)
	if err != nil {
		return err
	}
	prg.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	prg.cancel = cancel

	log := prg.log.WithField("version", version)
	log.WithField("port", cfg.Port).Info("Starting XDR driver.")

	handle, err := xdr.New(ctx, log.WithField("package", "xdr"), cfg, nil)
	if err != nil {
		cancel()
		return err
	}
	prg.handle = handle

	monitor.Start(ctx, log.WithField("package", "monitor"), handle, cfg.Monitor, version)

	go prg.runCycles(ctx)
	return nil
}

// runCycles acts as the host data-collection loop when running
// standalone: drain once per cycle and log the merged record.
func (prg *program) runCycles(ctx context.Context) {
	ticker := time.NewTicker(prg.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			record := prg.handle.DrainCycle()
			if len(record) == 0 {
				// No data arrived this cycle.
				continue
			}
			prg.log.WithField("record", record).Info("Drained observation record.")
		}
	}
}

func (prg *program) Stop(_ service.Service) error {
	prg.log.Info("Shutting down XDR driver.")
	prg.cancel()

	// Give the reader one read timeout to notice the cancellation.
	if err := prg.handle.WaitStopped(prg.cfg.ReadTimeout() + time.Second); err != nil {
		prg.log.WithError(err).Error("Unable to shut down reader task.")
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warning, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("Invalid log level.")
	}
	log.SetLevel(level)

	prg := &program{configPath: *configPath, log: log}

	svc, err := service.New(prg, &service.Config{
		Name:        "xdr-driver",
		DisplayName: "XDR Driver",
		Description: "Decodes NMEA 0183 XDR transducer reports from a serial device.",
		Arguments:   []string{"-config", *configPath},
	})
	if err != nil {
		log.WithError(err).Fatal("Could not initialize service.")
	}

	// "install", "uninstall", "start", "stop", ...
	if verb := flag.Arg(0); verb != "" {
		if err := service.Control(svc, verb); err != nil {
			log.WithError(err).Fatal("Service control failed.")
		}
		return
	}

	if err := svc.Run(); err != nil {
		log.WithError(err).Error("Service terminated abnormally.")
		os.Exit(1)
	}
}
