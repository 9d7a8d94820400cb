//go:build !linux

package engine

import (
	"errors"
	"runtime"
)

func pinCurrentThread(int) error {
	runtime.LockOSThread()
	return errors.New("cpu pinning is only supported on linux")
}
