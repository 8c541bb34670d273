// jetsonscope-ctl is a one-shot command line client for the daemon socket.
//
// Usage:
//
//	jetsonscope-ctl [stats|meta|list|health]
//	jetsonscope-ctl set <control> <value>
//
// JETSONSCOPE_SOCKET_PATH selects the socket, JETSONSCOPE_PROTO=cbor
// switches the wire encoding, and set reads its auth token from
// JETSONSCOPE_AUTH_TOKEN.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxd0h/jetsonscope/internal/config"
	"github.com/fxd0h/jetsonscope/internal/protocol"
)

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// resolveSocketPath prefers the configured path, falling back to the
// legacy socket when the preferred one does not exist yet.
func resolveSocketPath() string {
	path := envFirst("JETSONSCOPE_SOCKET_PATH", "TEGRA_SOCKET_PATH")
	if path == "" {
		path = config.DefaultSocketPath
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if _, err := os.Stat(config.LegacySocketPath); err == nil {
		return config.LegacySocketPath
	}
	return path
}

func wireEncoding() protocol.Encoding {
	v := envFirst("JETSONSCOPE_PROTO", "TEGRA_PROTO")
	if strings.EqualFold(v, "cbor") {
		return protocol.EncodingCBOR
	}
	return protocol.EncodingJSON
}

func main() {
	cmd := "stats"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var req protocol.Request
	switch cmd {
	case "meta":
		req = protocol.Request{Op: protocol.OpGetMeta}
	case "list", "controls":
		req = protocol.Request{Op: protocol.OpListControls}
	case "health":
		req = protocol.Request{Op: protocol.OpGetHealth}
	case "set":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: jetsonscope-ctl set <control> <value>")
			os.Exit(2)
		}
		req = protocol.Request{
			Op:      protocol.OpSetControl,
			Control: os.Args[2],
			Value:   os.Args[3],
			Token:   envFirst("JETSONSCOPE_AUTH_TOKEN", "TEGRA_AUTH_TOKEN"),
		}
	case "stats":
		req = protocol.Request{Op: protocol.OpGetStats}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want stats, meta, list, health or set)\n", cmd)
		os.Exit(2)
	}

	path := resolveSocketPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "socket not found: %s\n", path)
		os.Exit(1)
	}

	client := protocol.NewClient(path, wireEncoding())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Do(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := printResponse(resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printResponse(resp *protocol.Response) error {
	switch {
	case resp.Error != nil:
		return fmt.Errorf("error [%s]: %s", resp.Error.Code, resp.Error.Message)
	case resp.Stats != nil:
		fmt.Printf("Source: %s\n", resp.Stats.Source)
		snap := resp.Stats.Data
		if snap == nil {
			fmt.Println("No stats available")
			return nil
		}
		if snap.Timestamp != "" {
			fmt.Printf("Timestamp: %s\n", snap.Timestamp)
		}
		if snap.RAM != nil {
			fmt.Printf("RAM: %d/%d MB\n", snap.RAM.UsedBytes>>20, snap.RAM.TotalBytes>>20)
		}
		if snap.Swap != nil {
			fmt.Printf("SWAP: %d/%d MB\n", snap.Swap.UsedBytes>>20, snap.Swap.TotalBytes>>20)
		}
		fmt.Printf("CPU cores: %d\n", len(snap.CPUs))
		if gpu, ok := snap.GPUUsage(); ok {
			fmt.Printf("GPU: %d%%\n", gpu)
		}
	case resp.Meta != nil:
		fmt.Println("Hardware Info:")
		fmt.Printf("  Model: %s\n", resp.Meta.Model)
		fmt.Printf("  SoC: %s\n", resp.Meta.SoC)
		fmt.Printf("  L4T: %s\n", resp.Meta.L4TVersion)
		fmt.Printf("  JetPack: %s\n", resp.Meta.JetpackVersion)
		fmt.Printf("  Is Jetson: %v\n", resp.Meta.IsJetson)
	case resp.Controls != nil:
		fmt.Println("Available Controls:")
		for _, ctrl := range resp.Controls {
			fmt.Printf("  %s = %s (%s)\n", ctrl.Name, ctrl.Value, ctrl.Description)
			if !ctrl.Supported {
				fmt.Println("    [NOT SUPPORTED]")
			}
		}
	case resp.ControlState != nil:
		fmt.Println("Control Updated:")
		fmt.Printf("  %s = %s\n", resp.ControlState.Name, resp.ControlState.Value)
	case resp.Health != nil:
		fmt.Println("Daemon Health:")
		fmt.Printf("  Uptime (s): %d\n", resp.Health.UptimeSecs)
		fmt.Printf("  Total requests: %d\n", resp.Health.TotalRequests)
		fmt.Printf("  Errors: %d\n", resp.Health.Errors)
		fmt.Printf("  Connected clients: %d\n", resp.Health.ConnectedClients)
		fmt.Printf("  Stats collected: %d\n", resp.Health.StatsCollected)
		if resp.Health.LastError != "" {
			fmt.Printf("  Last error: %s\n", resp.Health.LastError)
		}
	default:
		return fmt.Errorf("empty response")
	}
	return nil
}
