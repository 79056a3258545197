package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/api"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/spf13/cobra"
)

var (
	serveListen string
	serveNoDB   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control API for export sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: $VEIL_LISTEN or 127.0.0.1:8790)")
	serveCmd.Flags().BoolVar(&serveNoDB, "no-db", false, "Run without session history or identity matching")
	rootCmd.AddCommand(serveCmd)
}

// requestToExport maps an HTTP start request onto the shared export builder.
func requestToExport(req api.StartRequest) exportRequest {
	padding := pipeline.DefaultPadding
	if req.Padding != nil {
		padding = *req.Padding
	}
	return exportRequest{
		Input:              req.Input,
		Output:             req.Output,
		Range:              req.Range(),
		Effect:             req.Effect,
		Padding:            padding,
		FPS:                req.FPS,
		LowPower:           req.LowPower || Cfg.LowPower,
		DetectionThreshold: 0.5,
		ExcludeIdentities:  req.ExcludeIdentities,
		IdentityThreshold:  pipeline.DefaultIdentityMax,
	}
}

func runServe(ctx context.Context) error {
	logger := logging.WithComponent(Logger, "api")
	addr := Cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}

	var db *store.Store
	if !serveNoDB {
		var err error
		if db, err = openStore(ctx); err != nil {
			logger.Warn("serving without a database", "error", err)
			db = nil
		}
	}

	launcher := api.LauncherFunc(func(ctx context.Context, req api.StartRequest) (*pipeline.Session, error) {
		procCtx, cancel := context.WithCancel(ctx)
		exp, err := prepareExport(procCtx, requestToExport(req), db, logging.WithComponent(Logger, "pipeline"))
		if err != nil {
			cancel()
			return nil, err
		}
		sess, err := exp.Driver.Start(ctx, exp.Options)
		if err != nil {
			exp.Close()
			cancel()
			return nil, err
		}
		go func() {
			<-sess.Done()
			exp.Close()
			cancel()
		}()
		return sess, nil
	})

	cfg := api.ServerConfig{
		Addr:      addr,
		Version:   Version,
		Launcher:  launcher,
		Logger:    logger,
		StartTime: time.Now(),
	}
	if db != nil {
		cfg.History = db
	}
	srv := api.NewServer(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on http://%s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
