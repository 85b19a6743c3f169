package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/vigil/pkg/client"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func newAPIClient(baseURL string, timeout time.Duration) *client.Client {
	return client.New(client.Config{BaseURL: baseURL, Timeout: timeout})
}

// selfKeepAliveURL derives the daemon's own liveness endpoint from the
// control server listen address. A listen address without a host binds all
// interfaces; the ping then goes through loopback.
func selfKeepAliveURL(listen, basePath string) string {
	host := strings.TrimSpace(listen)
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	base := strings.TrimRight(strings.TrimSpace(basePath), "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + host + base + "/healthz"
}
