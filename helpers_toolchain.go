// gocodeintel/helpers_toolchain.go
// Resolves the go executable and the external analysis tools.
package gocodeintel

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ============================================================================
// Toolchain Resolution
// ============================================================================

const (
	toolGo     = "go"
	toolGodef  = "godef"
	toolGocode = "gocode"
)

// ResolveGoExe finds the go executable: the configured preference if the
// file exists, otherwise a PATH lookup in env.
func ResolveGoExe(cfg Config, env []string) (string, bool) {
	if fileExists(cfg.GoPath) {
		return cfg.GoPath, true
	}
	if p, ok := Which(toolGo, envValue(env, "PATH")); ok {
		return p, true
	}
	return "", false
}

// ResolveTool finds an analysis tool: the preference, then PATH, then the
// directory holding the go executable.
func ResolveTool(name, pref string, cfg Config, env []string) (string, bool) {
	if fileExists(pref) {
		return pref, true
	}
	if p, ok := Which(name, envValue(env, "PATH")); ok {
		return p, true
	}
	if goExe, ok := ResolveGoExe(cfg, env); ok {
		p := filepath.Join(filepath.Dir(goExe), name+exeSuffix())
		if fileExists(p) {
			return p, true
		}
	}
	return "", false
}

// resolveToolOrBare falls back to the bare tool name so the spawn itself
// reports a missing tool.
func resolveToolOrBare(name, pref string, cfg Config, env []string) string {
	if p, ok := ResolveTool(name, pref, cfg, env); ok {
		return p
	}
	return name
}

// Which searches a PATH-style list for an executable named name.
func Which(name, pathList string) (string, bool) {
	for _, dir := range filepath.SplitList(pathList) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name+exeSuffix())
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return candidate, true
	}
	return "", false
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}

// envValue returns the last value of key in a KEY=VALUE list. A nil env
// reads the process environment.
func envValue(env []string, key string) string {
	if env == nil {
		return os.Getenv(key)
	}
	val := ""
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if k == key || (runtime.GOOS == "windows" && strings.EqualFold(k, key)) {
			val = v
		}
	}
	return val
}
