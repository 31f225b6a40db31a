package plugin

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/dgworker/internal/handler"
)

// Register adds every class of every discovered plugin to reg under
// "<plugin name>.<class name>". It stops at the first conflicting
// registration.
func Register(reg *handler.Registry, plugins *Set, timeout time.Duration, logger *slog.Logger) (int, error) {
	count := 0
	for _, p := range plugins.Plugins() {
		for _, class := range p.Classes {
			factory := func() handler.Handler {
				return NewProcessHandler(p, class, timeout, logger)
			}
			if err := reg.Register(p.Name, class.Name, factory); err != nil {
				return count, fmt.Errorf("plugin %s: %w", p.Name, err)
			}
			count++
		}
	}
	return count, nil
}
