package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app      = kingpin.New("tranzit", "Peer-to-peer file transfer on the local network.")
	logLevel = app.Flag("log-level", "Log level.").Default("info").Enum("debug", "info", "warn", "error")
	logJSON  = app.Flag("log-json", "Write logs as JSON.").Bool()

	serveCmd        = app.Command("serve", "Advertise this device, watch peers and receive files.")
	serveAutoAccept = serveCmd.Flag("auto-accept", "Accept every transfer request without asking.").Bool()
	serveMetrics    = serveCmd.Flag("metrics-address", "Expose Prometheus metrics on this address.").String()
	serveStorage    = serveCmd.Flag("storage", "Where received files are stored.").Enum("dir", "blob")
	serveWatch      = serveCmd.Flag("watch", "Peer address to monitor with heartbeats. Repeatable.").Strings()

	discoverCmd      = app.Command("discover", "Browse the local network once and list peers.")
	discoverTimeout  = discoverCmd.Flag("timeout", "How long to collect answers.").Default("2s").Duration()
	discoverAnnounce = discoverCmd.Flag("announce", "Push this device's descriptor to every peer found.").Bool()

	sendCmd   = app.Command("send", "Offer files to a peer and upload them once accepted.")
	sendTo    = sendCmd.Flag("to", "Peer address as ip or ip:port.").Required().String()
	sendFiles = sendCmd.Arg("files", "Files to send.").Required().ExistingFiles()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	configureLogging(*logLevel, *logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case serveCmd.FullCommand():
		err = runServe(ctx, serveOptions{
			AutoAccept:     *serveAutoAccept,
			MetricsAddress: *serveMetrics,
			StorageBackend: *serveStorage,
			Watch:          *serveWatch,
		})
	case discoverCmd.FullCommand():
		err = runDiscover(ctx, *discoverTimeout, *discoverAnnounce)
	case sendCmd.FullCommand():
		err = runSend(ctx, *sendTo, *sendFiles)
	}
	if err != nil {
		logrus.WithError(err).Error(command + " failed")
		fmt.Fprintf(os.Stderr, "tranzit: %v\n", err)
		os.Exit(1)
	}
}

func configureLogging(level string, asJSON bool) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	logrus.SetOutput(os.Stderr)
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
