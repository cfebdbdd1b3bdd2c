package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flexnbd/flexnbd/pkg/proxy"
)

// proxyCmd is not named in spec.md §6's CLI surface table (which enumerates
// the serving-engine commands only), but §4.7 describes the proxy as its
// own standalone process — grounded on original_source/src/proxy-main.c,
// which ships it as a distinct binary. It is exposed here as a
// subcommand rather than a second `main`, matching this repo's
// single-binary CLI convention.
var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a resilient NBD proxy in front of an upstream server",
	RunE:  runProxy,
}

func init() {
	proxyCmd.Flags().String("listen", "", "Address to listen on for downstream clients (required)")
	proxyCmd.Flags().String("upstream", "", "Upstream NBD server address (required)")
	proxyCmd.Flags().Uint64("cache-size", 0, "Read-ahead cache size in bytes (0 disables)")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	upstream, _ := cmd.Flags().GetString("upstream")
	cacheSize, _ := cmd.Flags().GetUint64("cache-size")

	if listen == "" || upstream == "" {
		return fmt.Errorf("--listen and --upstream are required")
	}

	p := proxy.New(proxy.Config{ListenAddr: listen, UpstreamAddr: upstream, CacheSize: cacheSize})
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve()
}
