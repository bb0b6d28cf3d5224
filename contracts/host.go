package contracts

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
)

// Version identifies this bus runtime in HostInfo.MmateVersion
const Version = "0.4.0"

// HostInfo describes the process that produced an envelope
type HostInfo struct {
	MachineName            string `json:"machineName,omitempty"`
	ProcessName            string `json:"processName,omitempty"`
	ProcessID              int    `json:"processId,omitempty"`
	Assembly               string `json:"assembly,omitempty"`
	AssemblyVersion        string `json:"assemblyVersion,omitempty"`
	FrameworkVersion       string `json:"frameworkVersion,omitempty"`
	MmateVersion           string `json:"mmateVersion,omitempty"`
	OperatingSystemVersion string `json:"operatingSystemVersion,omitempty"`
}

var (
	currentHostOnce sync.Once
	currentHost     HostInfo
)

// CurrentHost returns a description of the running process. The result is
// computed once; callers receive a copy.
func CurrentHost() HostInfo {
	currentHostOnce.Do(func() {
		machine, _ := os.Hostname()
		process := filepath.Base(os.Args[0])
		h := HostInfo{
			MachineName:            machine,
			ProcessName:            process,
			ProcessID:              os.Getpid(),
			FrameworkVersion:       runtime.Version(),
			MmateVersion:           Version,
			OperatingSystemVersion: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			h.Assembly = info.Main.Path
			h.AssemblyVersion = info.Main.Version
		}
		currentHost = h
	})
	return currentHost
}

// Headers renders the host description as reserved host headers.
func (h HostInfo) Headers() map[string]any {
	headers := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			headers[key] = value
		}
	}
	set(HeaderHostMachine, h.MachineName)
	set(HeaderHostProcess, h.ProcessName)
	if h.ProcessID != 0 {
		headers[HeaderHostProcessID] = strconv.Itoa(h.ProcessID)
	}
	set(HeaderHostAssembly, h.Assembly)
	set(HeaderHostAssemblyVersion, h.AssemblyVersion)
	set(HeaderHostFrameworkVersion, h.FrameworkVersion)
	set(HeaderHostMmateVersion, h.MmateVersion)
	set(HeaderHostOSVersion, h.OperatingSystemVersion)
	return headers
}

// SplitHostHeaders separates reserved host headers from user headers. Host
// header values override the matching fields of base. The returned header
// map never contains a host header.
func SplitHostHeaders(base HostInfo, headers map[string]any) (HostInfo, map[string]any) {
	user := make(map[string]any, len(headers))
	for k, v := range headers {
		if !IsHostHeader(k) {
			user[k] = v
			continue
		}
		s := fmt.Sprint(v)
		switch k {
		case HeaderHostMachine:
			base.MachineName = s
		case HeaderHostProcess:
			base.ProcessName = s
		case HeaderHostProcessID:
			if pid, err := strconv.Atoi(s); err == nil {
				base.ProcessID = pid
			}
		case HeaderHostAssembly:
			base.Assembly = s
		case HeaderHostAssemblyVersion:
			base.AssemblyVersion = s
		case HeaderHostFrameworkVersion:
			base.FrameworkVersion = s
		case HeaderHostMmateVersion:
			base.MmateVersion = s
		case HeaderHostOSVersion:
			base.OperatingSystemVersion = s
		}
	}
	return base, user
}
