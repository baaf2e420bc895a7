// Package main provides the C exports for mobile platforms (Android/iOS).
// Build with -buildmode=c-shared; every function is callable from Dart FFI.
// Strings returned by the library must be released with StockSyncFree.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	gosync "sync"
	"unsafe"
)

var (
	core    bridge
	lastErr string
	lastMu  gosync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err.Error()
}

func result(s string, err error) *C.char {
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(s)
}

//export StockSyncInit
func StockSyncInit(configPath *C.char) C.int {
	if err := core.open(C.GoString(configPath)); err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

//export StockSyncClose
func StockSyncClose() {
	core.close()
}

//export StockSyncEnqueue
func StockSyncEnqueue(mutationJSON *C.char) *C.char {
	return result(core.enqueue(C.GoString(mutationJSON)))
}

//export StockSyncQuery
func StockSyncQuery(optionsJSON *C.char) *C.char {
	return result(core.query(C.GoString(optionsJSON)))
}

//export StockSyncGet
func StockSyncGet(collection, id *C.char) *C.char {
	return result(core.get(C.GoString(collection), C.GoString(id)))
}

//export StockSyncHealth
func StockSyncHealth() *C.char {
	return result(core.health())
}

//export StockSyncActivity
func StockSyncActivity() C.int {
	if err := core.activity(); err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

//export StockSyncLastError
func StockSyncLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export StockSyncFree
func StockSyncFree(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Required for c-shared build mode; not executed when loaded as a library.
}
