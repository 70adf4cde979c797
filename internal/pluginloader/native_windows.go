//go:build windows

package pluginloader

import (
	"fmt"

	"github.com/openstarry/core/pkg/pluginsdk"
)

// ErrNativePluginsNotSupported indicates that in-process .so plugin loading
// is unavailable on this platform.
var ErrNativePluginsNotSupported = fmt.Errorf(
	"in-process plugin loading is not supported on Windows; " +
		"use a sandboxed plugin (manifest sandbox.enabled=true) instead")

func loadNativePlugin(path string) (pluginsdk.RuntimePlugin, error) {
	return nil, ErrNativePluginsNotSupported
}
