// Package main is the entry point for the AirCat audio streaming daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sparod/aircat/internal/config"
	"github.com/sparod/aircat/internal/mixer"
	"github.com/sparod/aircat/internal/raop"
	"github.com/sparod/aircat/internal/rtsp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting aircat", "version", "1.0.0")

	cfg := config.Load()

	mx := mixer.New()
	format := mixer.Format{
		SampleRate: uint32(cfg.OutputSampleRate),
		Channels:   uint8(cfg.OutputChannels),
	}
	if err := mx.Configure(mixer.NewPortAudioModule(), format); err != nil {
		slog.Error("failed to open output device", "error", err)
		os.Exit(1)
	}
	defer mx.Close()

	serverIP, serverMAC := localIdentity()
	manager := raop.NewManager(mx, serverIP, serverMAC)

	server := rtsp.NewServer(manager.Handle)
	server.MaxClients = cfg.MaxClients
	if cfg.Password != "" {
		server.Auth = rtsp.NewAuthenticator("aircat", "aircat", cfg.Password)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		// The advertised port is tried first; each following attempt
		// moves up one port, bounded by the client limit.
		for port := cfg.RTSPPort; port <= cfg.RTSPPort+cfg.MaxClients; port++ {
			addr := fmt.Sprintf(":%d", port)
			slog.Info("rtsp server starting", "addr", addr, "device", cfg.DeviceName)
			err := server.ListenAndServe(addr)
			if err == nil {
				cancel()
				return
			}
			slog.Warn("rtsp listen failed", "addr", addr, "error", err)
		}
		slog.Error("no rtsp port available")
		cancel()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
	}

	if err := server.Close(); err != nil {
		slog.Error("rtsp server shutdown error", "error", err)
	}

	slog.Info("aircat shutdown complete")
}

// localIdentity picks the first non-loopback IPv4 address and hardware
// address available, used to build the Apple-Challenge response and
// (in a full deployment) the mDNS service name; falls back to the
// loopback address if no other interface is up.
func localIdentity() (net.IP, net.HardwareAddr) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return net.IPv4(127, 0, 0, 1), make(net.HardwareAddr, 6)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			mac := iface.HardwareAddr
			if len(mac) != 6 {
				mac = make(net.HardwareAddr, 6)
			}
			return ip4, mac
		}
	}
	return net.IPv4(127, 0, 0, 1), make(net.HardwareAddr, 6)
}
