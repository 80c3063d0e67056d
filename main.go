// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// dmp is a userspace device mapper proxy. It creates a BUSE block device which
// passes every read and write unchanged to one underlying device and keeps
// statistics about the number and the average size of the requests. The
// underlying device can be a local block device or file, an NBD export, an
// S3 bucket or a null device.
//
// Project structure is following:
//
// - internal/dmp contains the proxy target itself: binding to the underlying
// device, request mapping and the module lifecycle. internal/dmp/stats holds
// the shared statistics.
//
// - internal/devmapper is a small device table with registered target types.
//
// - internal/blockdev is the abstraction of underlying devices with one
// package per backend.
//
// - internal/sysfs publishes the statistics as a read-only file on a FUSE
// mount and over http.
//
// - internal/frontend connects a device from the table to BUSE.
//
// - internal/config contains configuration package.
package main

import (
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"

	"github.com/asch/dmp/internal/blockdev"
	"github.com/asch/dmp/internal/blockdev/file"
	"github.com/asch/dmp/internal/blockdev/nbd"
	"github.com/asch/dmp/internal/blockdev/null"
	"github.com/asch/dmp/internal/blockdev/s3"
	"github.com/asch/dmp/internal/config"
	"github.com/asch/dmp/internal/devmapper"
	"github.com/asch/dmp/internal/dmp"
	"github.com/asch/dmp/internal/dmp/stats"
	"github.com/asch/dmp/internal/frontend"
	"github.com/asch/dmp/internal/sysfs"
)

// Parse configuration from file and environment variables, loads the dmp
// target, creates the proxy device from configuration and exposes it as a
// new buse device. The device is ran until it is signaled by SIGINT or SIGTERM
// to gracefully finish. Everything is then torn down in reverse order.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	mode, err := blockdev.ParseMode(config.Cfg.Target.Mode)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	attrs, tree, httpDir := statDirs(config.Cfg.Stat.Mountpoint, config.Cfg.Stat.Listen)

	registry := devmapper.NewRegistry()
	module, err := dmp.Init(registry, newDeviceManager(), attrs, config.Cfg.Target.MaxDevices)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	if httpDir != nil {
		runStatServer(config.Cfg.Stat.Listen, httpDir, module, config.Cfg.Profiler)
	}

	table := devmapper.NewTable(registry)
	dev, err := table.Create(config.Cfg.Target.Name, dmp.TargetName,
		[]string{config.Cfg.Target.Device}, mode)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	size := config.Cfg.Size
	if size == 0 {
		size = dev.Size()
	}

	buse, err := buse.New(frontend.New(dev, config.Cfg.BlockSize, config.Cfg.Write.ChunkSize), buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        int(config.Cfg.Threads),
		Major:          int64(config.Cfg.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           size,
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})

	if err != nil {
		log.Panic().Msg(err.Error())
	}

	log.Info().Msgf("BUSE device %d registered as proxy of %s!", config.Cfg.Major, config.Cfg.Target.Device)

	registerSigHandlers(buse)

	buse.Run()

	log.Info().Msgf("Removing buse%d", config.Cfg.Major)
	buse.RemoveDevice()

	if err := table.RemoveAll(); err != nil {
		log.Error().Err(err).Send()
	}

	if err := module.Exit(); err != nil {
		log.Error().Err(err).Send()
	}

	if tree != nil {
		if err := tree.Unmount(); err != nil {
			log.Error().Err(err).Send()
		}
	}
}

// Returns manager able to open all supported kinds of underlying devices.
// Identifiers without a known scheme are treated as paths.
func newDeviceManager() *blockdev.Manager {
	m := blockdev.NewManager(file.Open, blockdev.QueueOptions{
		Readers: config.Cfg.Queue.Readers,
		Writers: config.Cfg.Queue.Writers,
		Depth:   config.Cfg.Queue.Depth,
	})

	nullSize := config.Cfg.Size
	if nullSize == 0 {
		nullSize = 8 * 1024 * 1024 * 1024
	}
	m.Register(null.Identifier, null.Opener(nullSize))

	for _, scheme := range nbd.Schemes {
		m.Register(scheme, nbd.Open)
	}

	m.Register(s3.Scheme, s3.Opener(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
		ChunkSize: config.Cfg.S3.ChunkSize,
		Size:      config.Cfg.S3.Size,
	}))

	return m
}

// Returns directories for the statistics attribute according to the
// configuration. FUSE tree is mounted here, http directory is served later.
func statDirs(mountpoint, listen string) (sysfs.Group, *sysfs.Tree, *sysfs.HTTPDir) {
	var attrs sysfs.Group
	var tree *sysfs.Tree
	var httpDir *sysfs.HTTPDir

	if mountpoint != "" {
		tree = sysfs.NewTree("dmp")
		if err := tree.Mount(mountpoint); err != nil {
			log.Panic().Err(err).Send()
		}
		attrs = append(attrs, tree)
	}

	if listen != "" {
		httpDir = sysfs.NewHTTPDir()
		attrs = append(attrs, httpDir)
	}

	return attrs, tree, httpDir
}

// Serves statistics attributes, prometheus metrics and optionally the golang
// profiler.
func runStatServer(listen string, attrs *sysfs.HTTPDir, module *dmp.Module, profiler bool) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats.NewCollector(module.Stats))

	mux := http.NewServeMux()
	mux.Handle("/stat/", attrs)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if profiler {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	go func() {
		log.Info().Err(http.ListenAndServe(listen, mux)).Send()
	}()
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(buse buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Major)
		buse.StopDevice()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}
