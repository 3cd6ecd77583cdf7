//go:build unix

package platform

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/e2openplugins/webgrab/internal/logging"
)

// machine returns the kernel's machine name, as uname -m prints it.
func machine() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		logging.WarningLogger.Printf("uname failed, assuming %s: %v", runtime.GOARCH, err)
		return runtime.GOARCH
	}
	return unix.ByteSliceToString(uts.Machine[:])
}
