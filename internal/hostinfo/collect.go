// Package hostinfo collects the host facts the agent reports in every
// heartbeat: identity, OS and kernel details, resource totals, uptime, and
// a scan of locally installed application versions.
//
// Collection is best-effort. Any probe that fails leaves its field at the
// zero value rather than failing the heartbeat — a heartbeat with partial
// facts still proves liveness, which is its primary job.
package hostinfo

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/opsfleet-io/opsfleet/internal/protocol"
)

// Collector gathers HostInfo snapshots. It carries the monotonically
// increasing heartbeat counter for the life of the agent process.
type Collector struct {
	agentID    string
	appScanDir string
	heartbeat  atomic.Uint64
}

// New creates a Collector for the given agent identity. appScanDir may be
// empty to disable the application scan.
func New(agentID, appScanDir string) *Collector {
	return &Collector{agentID: agentID, appScanDir: appScanDir}
}

// Collect produces the next heartbeat payload. The heartbeat number
// increments on every call, including across reconnects within the same
// process.
func (c *Collector) Collect(ctx context.Context) protocol.HostInfo {
	info := protocol.HostInfo{
		Type:      protocol.TypeHostInfo,
		AgentID:   c.agentID,
		Arch:      runtime.GOARCH,
		Heartbeat: c.heartbeat.Add(1),
		SentAt:    time.Now().UTC(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OS = hi.Platform
		info.OSVersion = hi.PlatformVersion
		info.Kernel = hi.KernelVersion
		info.UptimeSecs = hi.Uptime
	} else {
		info.OS = runtime.GOOS
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
	}

	info.LocalIP = localIP()
	info.Apps = ScanApps(c.appScanDir)

	return info
}

// localIP returns the host's primary outbound IPv4 address. The UDP dial
// never sends a packet — it only asks the kernel which source address it
// would route from.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// ScanApps discovers installed applications under dir. Each immediate
// subdirectory is one application: the version comes from a VERSION file
// inside it when present, otherwise from the text after the last "-" in
// the directory name ("nginx-1.24.0" → name "nginx", version "1.24.0").
// The result is opaque metadata for the operator UI; scan failures return
// nil.
func ScanApps(dir string) []protocol.AppVersion {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var apps []protocol.AppVersion
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		version := ""

		if data, err := os.ReadFile(filepath.Join(dir, name, "VERSION")); err == nil {
			version = strings.TrimSpace(string(data))
		}
		if version == "" {
			if idx := strings.LastIndex(name, "-"); idx > 0 && idx < len(name)-1 {
				version = name[idx+1:]
				name = name[:idx]
			}
		}

		apps = append(apps, protocol.AppVersion{Name: name, Version: version})
	}
	return apps
}
