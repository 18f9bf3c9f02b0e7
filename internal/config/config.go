// Package config defines the CLI flags and optional YAML config file of
// cmd/linastored, using package-level urfave/cli/v2 flag declarations.
// cmd/linastore does not use this package; it declares its own --data flag.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var log = logging.Logger("lina/config")

// Config holds every tunable LiNa Store setting, with sensible defaults:
// 5s/5s timeouts, ports 8086/8096, a 64 MiB payload cap.
type Config struct {
	Addr         string        `yaml:"addr"`
	HTTPAddr     string        `yaml:"http_addr"`
	Data         string        `yaml:"data"`
	MaxPayload   int           `yaml:"max_payload"`
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns LiNa Store's stated default configuration.
func Default() Config {
	return Config{
		Addr:         ":8086",
		HTTPAddr:     ":8096",
		Data:         "./data",
		MaxPayload:   64 * 1024 * 1024,
		MaxConns:     256,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// The urfave/cli/v2 flags cmd/linastored registers, following the
// convention of exporting each flag as a package-level cli.Flag value.
var (
	FlagAddr = &cli.StringFlag{
		Name:  "addr",
		Usage: "LiNa protocol listen address",
		Value: Default().Addr,
	}
	FlagHTTPAddr = &cli.StringFlag{
		Name:  "http-addr",
		Usage: "HTTP façade listen address",
		Value: Default().HTTPAddr,
	}
	FlagData = &cli.StringFlag{
		Name:  "data",
		Usage: "data directory (blobs/ and index.log live here)",
		Value: Default().Data,
	}
	FlagMaxPayload = &cli.IntFlag{
		Name:  "max-payload",
		Usage: "maximum WRITE payload size in bytes",
		Value: Default().MaxPayload,
	}
	FlagMaxConns = &cli.IntFlag{
		Name:  "max-conns",
		Usage: "maximum concurrent LiNa protocol connections",
		Value: Default().MaxConns,
	}
	FlagReadTimeout = &cli.DurationFlag{
		Name:  "read-timeout",
		Usage: "per-connection read deadline",
		Value: Default().ReadTimeout,
	}
	FlagWriteTimeout = &cli.DurationFlag{
		Name:  "write-timeout",
		Usage: "per-connection write deadline",
		Value: Default().WriteTimeout,
	}
	FlagConfigFile = &cli.StringFlag{
		Name:  "config",
		Usage: "optional YAML config file; flags override its values",
	}
)

// Flags is the full set registered on cmd/linastored's cli.App.
func Flags() []cli.Flag {
	return []cli.Flag{
		FlagAddr, FlagHTTPAddr, FlagData,
		FlagMaxPayload, FlagMaxConns,
		FlagReadTimeout, FlagWriteTimeout,
		FlagConfigFile,
	}
}

// FromContext builds a Config from a cli.Context, applying an optional YAML
// file named by --config first and letting explicitly-set flags override
// it — flags win because they are the more specific, command-line-scoped
// input.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Default()

	if path := c.String(FlagConfigFile.Name); path != "" {
		loaded, err := loadYAML(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	if c.IsSet(FlagAddr.Name) {
		cfg.Addr = c.String(FlagAddr.Name)
	}
	if c.IsSet(FlagHTTPAddr.Name) {
		cfg.HTTPAddr = c.String(FlagHTTPAddr.Name)
	}
	if c.IsSet(FlagData.Name) {
		cfg.Data = c.String(FlagData.Name)
	}
	if c.IsSet(FlagMaxPayload.Name) {
		cfg.MaxPayload = c.Int(FlagMaxPayload.Name)
	}
	if c.IsSet(FlagMaxConns.Name) {
		cfg.MaxConns = c.Int(FlagMaxConns.Name)
	}
	if c.IsSet(FlagReadTimeout.Name) {
		cfg.ReadTimeout = c.Duration(FlagReadTimeout.Name)
	}
	if c.IsSet(FlagWriteTimeout.Name) {
		cfg.WriteTimeout = c.Duration(FlagWriteTimeout.Name)
	}

	return cfg, nil
}

func loadYAML(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// WatchFile calls onChange with a freshly reloaded Config every time path
// is written or created on disk, using fsnotify. What to do with the new
// values is up to onChange; cmd/linastored only logs them.
// WatchFile returns as soon as the watcher is set up or setup fails;
// callers that want to stop watching should close the returned watcher.
func WatchFile(path string, onChange func(Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := loadYAML(path)
			if err != nil {
				log.Errorf("reload %s: %v", path, err)
				continue
			}
			onChange(cfg)
		}
	}()

	return watcher, nil
}
