package cell

import (
	"fmt"
	"sync"
)

// Version is a (major, minor) pair stamping a published configuration.
// Major moves only on membership change and is persisted; minor moves only
// on capacity-order change and lives in memory.
type Version struct {
	Major uint64 `msgpack:"major" json:"major"`
	Minor uint64 `msgpack:"minor" json:"minor"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// VersionVector is the local cell's current version, guarded by its own lock
// so readers never contend with registry mutations.
type VersionVector struct {
	mu    sync.Mutex
	major uint64
	minor uint64
}

// NewVersionVector creates a vector at (major, 0)
func NewVersionVector(major uint64) *VersionVector {
	return &VersionVector{major: major}
}

// Get returns the current version
func (v *VersionVector) Get() Version {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Version{Major: v.major, Minor: v.minor}
}

// Major returns the current major version
func (v *VersionVector) Major() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.major
}

// Minor returns the current minor version
func (v *VersionVector) Minor() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.minor
}

// SetMajor replaces the major version
func (v *VersionVector) SetMajor(major uint64) {
	v.mu.Lock()
	v.major = major
	v.mu.Unlock()
}

// SetMinor replaces the minor version
func (v *VersionVector) SetMinor(minor uint64) {
	v.mu.Lock()
	v.minor = minor
	v.mu.Unlock()
}

// Set replaces both components
func (v *VersionVector) Set(ver Version) {
	v.mu.Lock()
	v.major = ver.Major
	v.minor = ver.Minor
	v.mu.Unlock()
}

// BumpMinor increments minor and returns the new version
func (v *VersionVector) BumpMinor() Version {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minor++
	return Version{Major: v.major, Minor: v.minor}
}

// ResetMinor sets minor back to zero
func (v *VersionVector) ResetMinor() Version {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minor = 0
	return Version{Major: v.major, Minor: v.minor}
}

// AdoptMinorAbove moves minor to peerMinor+1 when a peer reports a minor
// beyond the local one. Returns true if the local minor changed.
func (v *VersionVector) AdoptMinorAbove(peerMinor uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if peerMinor <= v.minor {
		return false
	}
	v.minor = peerMinor + 1
	return true
}
