// Command node runs one group-membership broadcast engine process: it
// loads a site config, boots the engine, and fronts the signalling
// channel with a net/rpc service for cmd/client, registered with the
// standard rpc.Register/rpc.HandleHTTP pattern.
package main

import (
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/config"
	"github.com/totalorder/synod/internal/engine"
)

var (
	configPath string
	rpcPort    int
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Run one group-membership broadcast engine",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the site config YAML file")
	root.Flags().IntVar(&rpcPort, "rpc-port", 7070, "port for the client-facing net/rpc submission endpoint")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	callbacks := app.NewKVApp(log)
	eng := engine.New(cfg, callbacks, log)

	if err := serveRPC(eng, log); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ctxDone := make(chan struct{})
	go func() {
		<-sig
		log.Info("shutdown requested")
		close(ctxDone)
	}()

	log.Info("node starting", zap.String("self", cfg.Self), zap.String("listen", cfg.Listen))
	return eng.Run(ctxDone)
}

func serveRPC(eng *engine.Engine, log *zap.Logger) error {
	if err := rpc.Register(&engine.RPCService{Engine: eng}); err != nil {
		return err
	}
	rpc.HandleHTTP()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rpcPort))
	if err != nil {
		return err
	}
	go func() {
		if err := http.Serve(ln, nil); err != nil {
			log.Error("rpc listener stopped", zap.Error(err))
		}
	}()
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
