package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// API is the read side of the remote API. transport.Client implements it;
// tests substitute a fake.
type API interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Remote API paths.
const (
	PathNodes         = "/nodes"
	PathClusterStatus = "/cluster/status"
	PathStorage       = "/storage"
	PathVersion       = "/version"
)

// RRD timeframes tried in order when a node's status has no load average.
var loadFallbackTimeframes = []string{"hour", "day", "week"}

func nodePath(node, suffix string) string {
	return "/nodes/" + url.PathEscape(node) + suffix
}

func nodeStatusPath(node string) string { return nodePath(node, "/status") }
func nodeQemuPath(node string) string   { return nodePath(node, "/qemu") }
func nodeLXCPath(node string) string    { return nodePath(node, "/lxc") }
func nodeHardwarePath(node string) string {
	return nodePath(node, "/hardware")
}

func nodeRRDPath(node, timeframe string) string {
	return nodePath(node, "/rrddata?timeframe="+url.QueryEscape(timeframe)+"&cf=AVERAGE")
}

func storageStatusPath(node, storage string) string {
	return nodePath(node, fmt.Sprintf("/storage/%s/status", url.PathEscape(storage)))
}
