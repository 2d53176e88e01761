// Package version carries build metadata injected by the linker.
//
//	go build -ldflags "\
//	  -X github.com/rickgao/marketfeed/internal/version.Version=v0.3.0 \
//	  -X github.com/rickgao/marketfeed/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/rickgao/marketfeed/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	  ./cmd/marketfeed
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // UTC, RFC 3339
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on the websocket handshake.
func UserAgent() string {
	return "marketfeed/" + Version
}
