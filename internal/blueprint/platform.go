package blueprint

import "runtime"

// normalizedOS maps a Go GOOS value to the manager's host vocabulary.
var normalizedOS = map[string]string{
	"linux":   "linux",
	"darwin":  "macos",
	"windows": "windows",
}

// normalizedArch maps a Go GOARCH value to the manager's host vocabulary.
var normalizedArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
}

// HostOS returns the normalized OS name of the running process's platform.
func HostOS() string {
	if v, ok := normalizedOS[runtime.GOOS]; ok {
		return v
	}
	return runtime.GOOS
}

// HostArch returns the normalized architecture name of the running
// process's platform.
func HostArch() string {
	if v, ok := normalizedArch[runtime.GOARCH]; ok {
		return v
	}
	return runtime.GOARCH
}

// SelectBinary returns the first binary in candidates whose (os, arch)
// matches the host, per spec.md §4.3.2's "first entry whose (os, arch)
// matches" rule.
func SelectBinary(candidates []Binary) (Binary, bool) {
	hostOS, hostArch := HostOS(), HostArch()
	for _, b := range candidates {
		if b.Matches(hostOS, hostArch) {
			return b, true
		}
	}
	return Binary{}, false
}
