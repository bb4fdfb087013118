// ABOUTME: Build and product identification for RecSync stations
// ABOUTME: Version is overridden at link time with -ldflags "-X"
package version

import "fmt"

// Version is the release version; set at build time
var Version = "0.3.0"

const (
	// Product names the station software in logs and mDNS TXT records
	Product = "RecSync"

	// Manufacturer identifies who ships the build
	Manufacturer = "RecSync Project"
)

// String is the human-readable banner
func String() string {
	return fmt.Sprintf("%s %s", Product, Version)
}
