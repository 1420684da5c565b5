package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"sentinel/internal/app"
	"sentinel/internal/proxy"
	"sentinel/internal/sandbox"
	logx "sentinel/pkg/logx"
)

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config (json or yaml)",
			Value:   "./config.yaml",
			EnvVars: []string{"SENTINEL_CONFIG"},
		},
		&cli.DurationFlag{
			Name:  "stop-timeout",
			Usage: "upper bound for graceful shutdown",
			Value: 15 * time.Second,
		},
	}
}

func runCmd(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(c.String("config"), version)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-ctx.Done():
		reason = app.StopAppStop
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return stopErr
}

func caInitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "directory for ca.pem and ca-key.pem",
			Value: ".",
		},
		&cli.StringFlag{
			Name:  "cn",
			Usage: "certificate common name",
			Value: "sentinel interception CA",
		},
	}
}

func caInitCmd(c *cli.Context) error {
	ca, err := proxy.GenerateCA(c.String("cn"))
	if err != nil {
		return err
	}
	certPath, keyPath, err := proxy.WriteCA(c.String("out"), ca)
	if err != nil {
		return err
	}
	fmt.Printf("certificate: %s\nkey:         %s\n", certPath, keyPath)
	fmt.Println("set proxy.ca_cert and proxy.ca_key to these paths and trust the certificate in your client")
	return nil
}

func pluginCheckFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "allow",
			Usage: "capabilities to grant while checking (e.g. net.probe)",
		},
	}
}

func pluginCheckCmd(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("plugin check: at least one FILE is required", 2)
	}
	rt := sandbox.NewRuntime(sandbox.DefaultLimits(), nil, logx.Nop())
	failed := 0
	for _, path := range c.Args().Slice() {
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		iso, err := rt.Check(c.Context, id, string(b), c.StringSlice("allow"))
		if err != nil {
			fmt.Printf("%s: FAIL %v\n", path, err)
			failed++
			continue
		}
		meta := iso.Metadata()
		fmt.Printf("%s: ok id=%s name=%q category=%s hooks=%s\n", path, meta.ID, meta.Name, meta.Category, strings.Join(iso.Hooks(), ","))
		iso.Close()
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d plugin(s) failed", failed), 1)
	}
	return nil
}
