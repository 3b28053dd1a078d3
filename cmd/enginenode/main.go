// Command enginenode runs one Node of the Engine: the HTTP API server and
// the Node Runtime that owns every Database Instance hosted on this
// machine.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sqlitefleet/engine/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		var cfgErr *app.ConfigError
		if errors.As(err, &cfgErr) {
			fatalf(2, "configuration error: %v", err)
		}
		fatalf(1, "%v", err)
	}
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(code)
}
