//go:build !unix

package platform

import "runtime"

func machine() string {
	return runtime.GOARCH
}
