package version

import "fmt"

// Version, GitCommit and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/newtron-network/ifmgrd/pkg/version.Version=v1.0.0 \
//	  -X github.com/newtron-network/ifmgrd/pkg/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line version string.
func Info() string {
	return fmt.Sprintf("ifmgrd %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
