// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/dmp/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Major      int   `toml:"major" env:"DMP_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
	Threads    int   `toml:"threads" env:"DMP_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
	Size       int64 `toml:"size" env:"DMP_SIZE" env-default:"0" env-description:"Device size in GB. Zero means the size of the underlying device."`
	BlockSize  int   `toml:"block_size" env:"DMP_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool  `toml:"scheduler" env:"DMP_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int   `toml:"queue_depth" env:"DMP_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`

	Target struct {
		Name       string `toml:"name" env:"DMP_TARGET_NAME" env-description:"Name of the proxy device in the device table." env-default:"dmp0"`
		Device     string `toml:"device" env:"DMP_TARGET_DEVICE" env-description:"Underlying device. Path, nbd:// or nbd+unix:// URI, s3://bucket/prefix or null." env-default:"null"`
		Mode       string `toml:"mode" env:"DMP_TARGET_MODE" env-description:"Access mode of the underlying device, rw or ro." env-default:"rw"`
		MaxDevices int64  `toml:"max_devices" env:"DMP_TARGET_MAXDEVICES" env-description:"Maximal number of simultaneously existing proxy devices." env-default:"256"`
	} `toml:"target"`

	Queue struct {
		Readers int `toml:"readers" env:"DMP_QUEUE_READERS" env-description:"Number of forwarding go routines for reads per underlying device." env-default:"16"`
		Writers int `toml:"writers" env:"DMP_QUEUE_WRITERS" env-description:"Number of forwarding go routines for writes per underlying device." env-default:"16"`
		Depth   int `toml:"depth" env:"DMP_QUEUE_DEPTH" env-description:"Number of pending forwarded requests preallocated per device queue." env-default:"256"`
	} `toml:"queue"`

	S3 struct {
		Remote    string `toml:"remote" env:"DMP_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"DMP_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"DMP_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"DMP_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		ChunkSize int64  `toml:"chunk_size" env:"DMP_S3_CHUNKSIZE" env-description:"Size of one device chunk object in MB." env-default:"4"`
		Size      int64  `toml:"size" env:"DMP_S3_SIZE" env-description:"Size of the S3 backed device in GB." env-default:"8"`
	} `toml:"s3"`

	Write struct {
		Durable       bool `toml:"durable" env:"DMP_WRITE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		BufSize       int  `toml:"shared_buffer_size" env:"DMP_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"DMP_WRITE_CHUNKSIZE" env-description:"Chunk size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"DMP_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"DMP_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Stat struct {
		Mountpoint string `toml:"mountpoint" env:"DMP_STAT_MOUNTPOINT" env-description:"Where to mount the statistics filesystem. Empty disables it." env-default:""`
		Listen     string `toml:"listen" env:"DMP_STAT_LISTEN" env-description:"Address of the http endpoint with statistics, metrics and profiler. Empty disables it." env-default:"localhost:6060"`
	} `toml:"stat"`

	Log struct {
		Level  int  `toml:"level" env:"DMP_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"DMP_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler bool `toml:"profiler" env:"DMP_PROFILER" env-description:"Enable golang web profiler on the stat listener." env-default:"false"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	postprocess(&Cfg)

	return nil
}

// Converts human friendly units into bytes and normalizes values which
// have only a limited set of valid options.
func postprocess(c *Config) {
	c.Size *= 1024 * 1024 * 1024
	c.Write.BufSize *= 1024 * 1024
	c.Write.ChunkSize *= 1024 * 1024
	c.Write.CollisionSize *= 1024 * 1024
	c.Read.BufSize *= 1024 * 1024
	c.S3.ChunkSize *= 1024 * 1024
	c.S3.Size *= 1024 * 1024 * 1024

	if c.BlockSize != 512 {
		c.BlockSize = 4096
	}

	if c.Target.Mode != "ro" {
		c.Target.Mode = "rw"
	}
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("dmp", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
