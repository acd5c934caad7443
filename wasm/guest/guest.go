//go:build wasip1

// Package guest provides the bindings a compiled Keystone service links
// against. Build services with TinyGo targeting wasip1 in c-shared mode so
// the module exports _initialize instead of running main:
//
//	tinygo build -o echo.wasm -target=wasip1 -buildmode=c-shared .
//
// Register handlers from init or main with Handle; the worker harness
// invokes them by name through the module's invoke export.
package guest

import (
	"encoding/json"
	"unsafe"
)

// HandlerFunc answers one invocation. The returned value is marshaled to
// JSON and written back to the host; a returned error becomes the host-side
// invocation error.
type HandlerFunc func(args json.RawMessage) (any, error)

var (
	byteHandles = make(map[uint32][]byte)
	nextHandle  = uint32(1)
	handlers    = make(map[string]HandlerFunc)
)

// Handle registers the handler for a named service entry.
func Handle(name string, fn HandlerFunc) {
	handlers[name] = fn
}

// Log sends a diagnostic line to the host logger.
func Log(message string) {
	ptr, size := bytesPtr([]byte(message))
	logMessage(ptr, size)
}

//go:wasmimport env write_result
func writeResult(ptr, size uint32)

//go:wasmimport env log_message
func logMessage(ptr, size uint32)

// allocBytes hands the host a buffer it can write into. The packed return
// carries the handle in the high word and the linear-memory pointer in the
// low word; the map keeps the buffer alive until free_bytes.
//
//go:wasmexport alloc_bytes
func allocBytes(size uint32) uint64 {
	bytes := make([]byte, size)
	handle := nextHandle
	nextHandle++
	byteHandles[handle] = bytes
	var ptr uintptr
	if size > 0 {
		ptr = uintptr(unsafe.Pointer(&bytes[0]))
	}
	return uint64(handle)<<32 | uint64(ptr)
}

//go:wasmexport free_bytes
func freeBytes(handle uint32) {
	delete(byteHandles, handle)
}

//go:wasmexport invoke
func invoke(nameHandle, argsHandle uint32) int32 {
	name := string(byteHandles[nameHandle])
	args := byteHandles[argsHandle]

	fn, ok := handlers[name]
	if !ok {
		writeText("no handler registered for " + name)
		return 1
	}
	result, err := fn(json.RawMessage(args))
	if err != nil {
		writeText(err.Error())
		return 1
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		writeText("marshal result: " + err.Error())
		return 1
	}
	ptr, size := bytesPtr(encoded)
	writeResult(ptr, size)
	return 0
}

func writeText(text string) {
	ptr, size := bytesPtr([]byte(text))
	writeResult(ptr, size)
}

func bytesPtr(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}
