// Command linastored is the LiNa Store network daemon: it binds the LiNa
// protocol TCP listener and the HTTP façade listener over one shared
// engine instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/linastore/lina/internal/blobstore"
	"github.com/linastore/lina/internal/config"
	"github.com/linastore/lina/internal/engine"
	"github.com/linastore/lina/internal/httpapi"
	"github.com/linastore/lina/internal/linametrics"
	"github.com/linastore/lina/internal/linaserver"
	"github.com/linastore/lina/internal/nameindex"
)

func main() {
	// set up a context that is canceled when the process is interrupted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:   "linastored",
		Usage:  "content-addressed file storage daemon",
		Flags:  config.Flags(),
		Action: runDaemon(ctx),
	}
	sort.Sort(cli.FlagsByName(app.Flags))

	if err := app.RunContext(ctx, os.Args); err != nil {
		// Errors that reach here are flag/config failures; storage and
		// listener failures exit through cli.Exit with code 2 below.
		klog.Error(err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.FromContext(c)
		if err != nil {
			return cli.Exit(fmt.Sprintf("linastored: %v", err), 1)
		}

		if err := os.MkdirAll(cfg.Data, 0o755); err != nil {
			return cli.Exit(fmt.Sprintf("linastored: create data dir %s: %v", cfg.Data, err), 2)
		}

		blobs, err := blobstore.New(cfg.Data+"/blobs", 4096)
		if err != nil {
			return cli.Exit(fmt.Sprintf("linastored: open blob store: %v", err), 2)
		}
		names, err := nameindex.Open(cfg.Data, 4096)
		if err != nil {
			return cli.Exit(fmt.Sprintf("linastored: open name index: %v", err), 2)
		}
		defer names.Close()

		eng := engine.New(blobs, names, cfg.MaxPayload)

		prometheus.MustRegister(linametrics.NewDiskUsageCollector(cfg.Data))
		linametrics.RegisterNameIndexSize(names.Len)

		if path := c.String("config"); path != "" {
			watcher, err := config.WatchFile(path, func(next config.Config) {
				// Listener addresses and pool sizes are bound at startup;
				// log the reloaded values so operators can see what a
				// restart would pick up.
				klog.Infof("config %s changed: addr=%s http=%s max-payload=%d (restart to apply listener settings)",
					path, next.Addr, next.HTTPAddr, next.MaxPayload)
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("linastored: %v", err), 1)
			}
			defer watcher.Close()
		}

		group, groupCtx := errgroup.WithContext(ctx)

		group.Go(func() error {
			srv := linaserver.New(linaserver.Config{
				Addr:         cfg.Addr,
				MaxConns:     cfg.MaxConns,
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
			}, eng)
			return srv.ListenAndServe(groupCtx)
		})

		group.Go(func() error {
			return serveHTTP(groupCtx, cfg.HTTPAddr, eng)
		})

		_ = logging.SetLogLevel("*", "info")
		klog.Infof("linastored listening: lina=%s http=%s data=%s", cfg.Addr, cfg.HTTPAddr, cfg.Data)

		if err := group.Wait(); err != nil {
			return cli.Exit(fmt.Sprintf("linastored: %v", err), 2)
		}
		return nil
	}
}

func serveHTTP(ctx context.Context, addr string, eng *engine.Engine) error {
	filesHandler := httpapi.Handler(eng)
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

	server := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) == "/metrics" {
				metricsHandler(rc)
				return
			}
			filesHandler(rc)
		},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		return server.Shutdown()
	case err := <-errCh:
		return err
	}
}
