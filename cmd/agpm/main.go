// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command agpm is a thin CLI shim over the resolver orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agpm-dev/agpm"
	"github.com/agpm-dev/agpm/internal/agpmlog"
)

var log = agpmlog.New("agpm:cli")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var manifestPath, cacheRoot string

	root := &cobra.Command{
		Use:   "agpm",
		Short: "AGPM manages Git-backed resources for AI coding agents",
	}
	root.PersistentFlags().StringVar(&manifestPath, "manifest", "agpm.toml", "path to the manifest")
	root.PersistentFlags().StringVar(&cacheRoot, "cache-dir", defaultCacheRoot(), "cache root directory")

	root.AddCommand(newResolveCmd(&manifestPath, &cacheRoot))
	root.AddCommand(newInstallCmd(&manifestPath, &cacheRoot))

	return root
}

func newResolveCmd(manifestPath, cacheRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the manifest into a lockfile without installing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), *manifestPath, *cacheRoot, modeResolveOnly)
		},
	}
}

func newInstallCmd(manifestPath, cacheRoot *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Resolve the manifest and install resources into the project tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), *manifestPath, *cacheRoot, modeInstall)
		},
	}
}

type runMode int

const (
	modeResolveOnly runMode = iota
	modeInstall
)

func runOrchestrator(ctx context.Context, manifestPath, cacheRoot string, mode runMode) error {
	log.Printf("running with manifest=%s cache=%s", manifestPath, cacheRoot)

	libMode := agpm.ModeResolveOnly
	if mode == modeInstall {
		libMode = agpm.ModeInstall
	}

	result, err := agpm.Run(ctx, agpm.Options{
		ManifestPath: manifestPath,
		CacheRoot:    cacheRoot,
		Mode:         libMode,
	})
	if err != nil {
		return err
	}

	fmt.Printf("resolved %d resources across %d sources\n", len(result.Lockfile.Resources), len(result.Lockfile.Sources))
	return nil
}

func defaultCacheRoot() string {
	if dir := os.Getenv("AGPM_CACHE_DIR"); dir != "" {
		return dir
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return ".agpm-cache"
	}
	return filepath.Join(cacheDir, "agpm")
}
