//go:build wasip1

// Example echo service. Build with:
//
//	tinygo build -o echo.wasm -target=wasip1 -buildmode=c-shared .
//
// Drop echo.wasm into a worker's services directory and the harness
// registers it as service "echo".
package main

import (
	"encoding/json"

	"github.com/khayzz13/keystone/wasm/guest"
)

func init() {
	guest.Handle("echo", func(args json.RawMessage) (any, error) {
		guest.Log("echo invoked")
		return map[string]any{"echoed": args}, nil
	})
}

func main() {}
