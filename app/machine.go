package app

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
)

// machineIdentity derives a stable machine id from hostname plus
// GOOS/GOARCH, since this core has no platform-specific hardware UUID
// source available to it. Deterministic
// across restarts on the same host; distinct machines collide only if they
// share both a hostname and a platform, which registerMachine's
// last_seen/hostname upsert tolerates gracefully.
func machineIdentity() (id, hostname, osInfo string) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}
	osInfo = runtime.GOOS + "/" + runtime.GOARCH

	sum := sha256.Sum256([]byte(hostname + "\x00" + osInfo))
	return hex.EncodeToString(sum[:])[:32], hostname, osInfo
}
