package main

import (
	"context"
	"fmt"
	"io"

	"github.com/vyrodovalexey/sniroute/internal/router"
)

// runResolve looks up the backend for hostname, connects to it once and
// writes the outcome to w. It returns the process exit code.
func runResolve(ctx context.Context, app *application, hostname string, w io.Writer) int {
	conn, backend, err := app.dispatcher.DialHostname(ctx, app.registry, hostname)
	switch {
	case router.IsNoMatch(err):
		_, _ = fmt.Fprintf(w, "%s: no backend matches\n", hostname)
		return 2
	case err != nil:
		_, _ = fmt.Fprintf(w, "%s: backend %s\n", hostname, backend)
		_, _ = fmt.Fprintf(w, "  connect failed: %v\n", err)
		return 1
	}
	defer conn.Close()

	_, _ = fmt.Fprintf(w, "%s: backend %s\n", hostname, backend)
	_, _ = fmt.Fprintf(w, "  connected to %s\n", conn.RemoteAddr())
	return 0
}
