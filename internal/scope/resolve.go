package scope

import "github.com/stitchline/convsync/internal/config"

const DefaultName = "main"

// Resolve determines the active scope using precedence:
// 1. flagOverride (--scope flag)
// 2. config.toml default_scope
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultScope != "" {
		return cfg.DefaultScope
	}
	return DefaultName
}
