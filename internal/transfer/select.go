package transfer

import (
	"github.com/rileyhilliard/rdev/internal/logger"
)

// SelectMethod picks the method for a whole job. supports reports whether
// a method was confirmed for one file's endpoints. The preferred method is
// used only if it holds for every file; otherwise the whole job is copied
// generically so no job mixes methods.
func SelectMethod(setup Setup, supports func(Method, FileToTransfer) bool, log logger.Logger) Method {
	if log == nil {
		log = logger.Noop()
	}
	if setup.Method == MethodGeneric || len(setup.Files) == 0 {
		return MethodGeneric
	}

	target := setup.Files[0].Target.Device
	for _, f := range setup.Files {
		if !f.Source.IsLocal() {
			log.Debug("%s has a remote source, using generic copy", f.Source)
			return MethodGeneric
		}
		if f.Target.IsLocal() || f.Target.Device != target {
			log.Debug("%s does not target %s, using generic copy", f.Target, target)
			return MethodGeneric
		}
	}

	for _, f := range setup.Files {
		if supports == nil || !supports(setup.Method, f) {
			log.Info("%s is not available for %s, copying all %d files generically",
				setup.Method, f.Target, len(setup.Files))
			return MethodGeneric
		}
	}
	return setup.Method
}
