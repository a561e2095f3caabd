//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package backend

import "runtime"

const nativeKind = KindPortable

func newNative(cfg Config) (Backend, error) {
	cfg.Logger.Warn("no native event loop for this platform",
		"platform", runtime.GOOS+"/"+runtime.GOARCH,
		"note", "domain-socket dials will fail; use a tcp:// address")
	return newPortable(cfg), nil
}
