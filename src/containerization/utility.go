// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"visaworker/src/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	browserNetworkName = "visaworker_browsers"
	browserLabel       = "visaworker.browser"
	serverPort         = nat.Port("3000/tcp")
)

// EnsureBrowserNetwork creates or retrieves the bridge network the browser
// containers run on.
func EnsureBrowserNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == browserNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, browserNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create browser network: %v", err), slog.LevelError)
		return "", err
	}

	return resp.ID, nil
}

// PullImage makes sure the browser image is present before the first run.
func PullImage(ctx context.Context, cli *client.Client, imageName string) error {
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

type PoolConfig struct {
	Image     string
	NetworkID string
	// PlaywrightVersion must match the driver bundled with playwright-go.
	PlaywrightVersion string
	MemoryMB          int64
	CPULimit          float64
	// MaxAge is how long a browser container may live before the reaper
	// removes it, whether or not its run released it.
	MaxAge       time.Duration
	StartTimeout time.Duration
}

func (c *PoolConfig) defaults() {
	if c.Image == "" {
		c.Image = "mcr.microsoft.com/playwright:v1.52.0-noble"
	}
	if c.PlaywrightVersion == "" {
		c.PlaywrightVersion = "1.52.0"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 1024
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 20 * time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Minute
	}
}

// BrowserPool starts one Playwright browser server container per execution,
// so runs never share cookies, cache or process. It implements
// browser.RemoteProvider.
type BrowserPool struct {
	cli *client.Client
	cfg PoolConfig

	mu     sync.Mutex
	active map[string]time.Time
}

func NewBrowserPool(cli *client.Client, cfg PoolConfig) *BrowserPool {
	cfg.defaults()
	return &BrowserPool{cli: cli, cfg: cfg, active: map[string]time.Time{}}
}

func serverCommand(version string) []string {
	return []string{"npx", "-y", "playwright@" + version, "run-server", "--port", serverPort.Port(), "--host", "0.0.0.0"}
}

// hostPort finds the loopback port docker published for the browser server.
func hostPort(ports nat.PortMap) (string, error) {
	for _, binding := range ports[serverPort] {
		if binding.HostPort != "" {
			return binding.HostPort, nil
		}
	}
	return "", fmt.Errorf("port %s is not published", serverPort)
}

func endpoint(port string) string {
	return "ws://" + net.JoinHostPort("127.0.0.1", port) + "/"
}

// Acquire starts a fresh browser server and returns its websocket endpoint.
// release removes the container.
func (p *BrowserPool) Acquire(ctx context.Context) (string, func(), error) {
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:        p.cfg.Image,
		Cmd:          serverCommand(p.cfg.PlaywrightVersion),
		ExposedPorts: nat.PortSet{serverPort: struct{}{}},
		Labels:       map[string]string{browserLabel: "1"},
		Tty:          false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   p.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(p.cfg.CPULimit * math.Pow10(9)),
		},
		// Chromium needs more shared memory than docker's 64MB default.
		ShmSize: 1 << 30,
		PortBindings: nat.PortMap{
			serverPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Init: boolPtr(true),
	}, networkingConfig(p.cfg.NetworkID), nil, "")
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create browser container: %v", err), slog.LevelError)
		return "", nil, err
	}

	remove := func() { p.remove(resp.ID) }

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		remove()
		return "", nil, fmt.Errorf("failed to start browser container: %w", err)
	}
	p.track(resp.ID)

	inspect, err := p.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		remove()
		return "", nil, fmt.Errorf("failed to inspect browser container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		remove()
		return "", nil, fmt.Errorf("browser container %s has no network settings", shortID(resp.ID))
	}
	port, err := hostPort(inspect.NetworkSettings.Ports)
	if err != nil {
		remove()
		return "", nil, err
	}

	if err := waitListening(ctx, net.JoinHostPort("127.0.0.1", port), p.cfg.StartTimeout); err != nil {
		remove()
		return "", nil, fmt.Errorf("browser server in %s did not come up: %w", shortID(resp.ID), err)
	}

	logging.Log(fmt.Sprintf("Browser container %s listening on %s", shortID(resp.ID), port), slog.LevelInfo)
	var once sync.Once
	return endpoint(port), func() { once.Do(remove) }, nil
}

func networkingConfig(networkID string) *network.NetworkingConfig {
	if networkID == "" {
		return nil
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			browserNetworkName: {NetworkID: networkID},
		},
	}
}

func waitListening(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *BrowserPool) track(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[id] = time.Now()
}

func (p *BrowserPool) remove(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("failed to remove browser container %s: %v", shortID(id), err), slog.LevelWarn)
	}
}

// Active is the number of containers started by this pool and not yet removed.
func (p *BrowserPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// expired picks labelled containers older than maxAge.
func expired(containers []container.Summary, now time.Time, maxAge time.Duration) []string {
	var ids []string
	for _, c := range containers {
		if c.Labels[browserLabel] == "" {
			continue
		}
		if now.Sub(time.Unix(c.Created, 0)) > maxAge {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// RunContainerReaper removes browser containers that outlived MaxAge, such
// as the ones left behind by a worker that crashed mid-run.
func (p *BrowserPool) RunContainerReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := p.cli.ContainerList(ctx, container.ListOptions{
				All:     true,
				Filters: filters.NewArgs(filters.Arg("label", browserLabel)),
			})
			if err != nil {
				logging.Log(fmt.Sprintf("failed to list browser containers: %v", err), slog.LevelWarn)
				continue
			}
			for _, id := range expired(list, time.Now(), p.cfg.MaxAge) {
				logging.Log(fmt.Sprintf("Browser container %s exceeded %s. Removing...", shortID(id), p.cfg.MaxAge), slog.LevelInfo)
				p.remove(id)
			}
		}
	}
}

// CleanupActiveContainers removes every container this pool still tracks.
func (p *BrowserPool) CleanupActiveContainers() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		logging.Log(fmt.Sprintf("Cleaning up browser container %s...", shortID(id)), slog.LevelInfo)
		p.remove(id)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}

func boolPtr(b bool) *bool { return &b }
