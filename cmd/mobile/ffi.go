//go:build cgo

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	core    bridge
	lastErr string
	lastMu  sync.RWMutex
)

// result converts an encoded JSON result to a C string and records errors
// for GetLastError.
func result(v interface{}, err error) *C.char {
	if err != nil {
		setLastError(err.Error())
	}
	return C.CString(encode(v, err))
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

//export Init
// Init opens the portal. configPath may be empty for the default location;
// networkState is the JSON connectivity at launch, or empty.
func Init(configPath, networkState *C.char) *C.char {
	return result(nil, core.init(C.GoString(configPath), C.GoString(networkState)))
}

//export Cleanup
// Cleanup stops background work and closes storage.
func Cleanup() *C.char {
	return result(nil, core.shutdown())
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

// =====================================================
// Device state
// =====================================================

//export SetNetworkState
func SetNetworkState(state *C.char) *C.char {
	return result(core.setNetwork(C.GoString(state)))
}

//export SetDeviceState
func SetDeviceState(state *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.setDeviceState(ctx, C.GoString(state)))
}

//export SetForeground
func SetForeground(foreground C.int) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(nil, core.setForeground(ctx, foreground != 0))
}

// =====================================================
// Session
// =====================================================

//export SetAccessToken
func SetAccessToken(token *C.char) *C.char {
	return result(nil, core.setToken(C.GoString(token)))
}

//export Logout
func Logout() *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(nil, core.logout(ctx))
}

// =====================================================
// Portal operations
// =====================================================

//export GetOfflineStudies
func GetOfflineStudies(patientID *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.offlineStudies(ctx, C.GoString(patientID)))
}

//export FetchStudy
func FetchStudy(studyID *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.fetchStudy(ctx, C.GoString(studyID)))
}

//export GetStudyImage
// GetStudyImage renders an image; quality is LOW, MEDIUM, HIGH, ORIGINAL or
// empty for adaptive.
func GetStudyImage(studyID, imageID, quality *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.studyImage(ctx, C.GoString(studyID), C.GoString(imageID), C.GoString(quality)))
}

//export SubmitMutation
func SubmitMutation(mutation *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.submitMutation(ctx, C.GoString(mutation)))
}

//export TriggerSync
func TriggerSync() *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.triggerSync(ctx))
}

//export ResolveConflict
func ResolveConflict(id, policy *C.char) *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(nil, core.resolveConflict(ctx, C.GoString(id), C.GoString(policy)))
}

//export GetStatus
func GetStatus() *C.char {
	ctx, cancel := callContext()
	defer cancel()
	return result(core.status(ctx))
}

//export PollEvents
// PollEvents returns sync events recorded since the previous call.
func PollEvents() *C.char {
	return result(core.pollEvents(), nil)
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
