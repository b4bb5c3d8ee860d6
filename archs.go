package manyjulias

import "runtime"

// cpuTargets maps a machine architecture (as in uname -m) to the
// JULIA_CPU_TARGET string used for multi-versioned code generation. Keeping
// these fixed across all commits maximizes inter-commit binary similarity,
// which the pack-level delta compression depends on.
var cpuTargets = map[string]string{
	"x86_64":      "generic;sandybridge,-xsaveopt,clone_all;haswell,-rdrnd,base(1)",
	"i686":        "pentium4;sandybridge,-xsaveopt,clone_all",
	"armv7l":      "armv7-a;armv7-a,neon;armv7-a,neon,vfp4",
	"aarch64":     "generic;cortex-a57;thunderx2t99;carmel",
	"powerpc64le": "pwr8",
}

var machines = map[string]string{
	"amd64":   "x86_64",
	"386":     "i686",
	"arm":     "armv7l",
	"arm64":   "aarch64",
	"ppc64le": "powerpc64le",
}

// Machine returns the uname -m style name of the host architecture. Builds
// are always native (host arch == target arch).
func Machine() string {
	if m, ok := machines[runtime.GOARCH]; ok {
		return m
	}
	return runtime.GOARCH
}

// CPUTarget returns the JULIA_CPU_TARGET string for the host architecture,
// or "" if the architecture is not supported.
func CPUTarget() string {
	return cpuTargets[Machine()]
}
