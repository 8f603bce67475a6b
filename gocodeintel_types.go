// gocodeintel/types.go
// Contains core type definitions used throughout the gocodeintel package.
package gocodeintel

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"os"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultLogLevel                  = "info"        // Default log level.
	defaultProcessTimeoutSecs        = 10            // Default per-invocation backend timeout.
	defaultDefinitionCacheTTLSecs    = 30            // Default TTL for memoized definition lookups.
	defaultConfigFileName            = "config.json" // Default config file name.
	configDirName                    = "gocodeintel" // Subdirectory name for config/data.
	manifestSchemaVersion            = 1             // Used to invalidate the build manifest if its format changes.
	definitionCacheMaxCost           = 1 << 24       // 16MB of memoized definition records.
	maxConfiguredProcessTimeoutSecs  = 300
	maxConfiguredDefinitionCacheSecs = 3600
)

// Config holds the active configuration for the code intelligence engine.
type Config struct {
	GoPath                    string        `json:"go_path"`     // Preferred go executable; ignored if it does not exist.
	GodefPath                 string        `json:"godef_path"`  // Preferred godef executable.
	GocodePath                string        `json:"gocode_path"` // Preferred gocode executable.
	LogLevel                  string        `json:"log_level"`   // Log level (debug, info, warn, error).
	ProcessTimeoutSeconds     int           `json:"process_timeout_seconds"`
	DefinitionCacheTTLSeconds int           `json:"definition_cache_ttl_seconds"`
	HelperDir                 string        `json:"helper_dir"`     // Where the outline helper is written and built.
	BuildManifest             bool          `json:"build_manifest"` // Persist outline helper builds across restarts.
	ProcessTimeout            time.Duration `json:"-"`              // Derived from ProcessTimeoutSeconds.
	DefinitionCacheTTL        time.Duration `json:"-"`              // Derived from DefinitionCacheTTLSeconds.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	GoPath                    *string `json:"go_path"`
	GodefPath                 *string `json:"godef_path"`
	GocodePath                *string `json:"gocode_path"`
	LogLevel                  *string `json:"log_level"`
	ProcessTimeoutSeconds     *int    `json:"process_timeout_seconds"`
	DefinitionCacheTTLSeconds *int    `json:"definition_cache_ttl_seconds"`
	HelperDir                 *string `json:"helper_dir"`
	BuildManifest             *bool   `json:"build_manifest"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		LogLevel:                  defaultLogLevel,
		ProcessTimeoutSeconds:     defaultProcessTimeoutSecs,
		DefinitionCacheTTLSeconds: defaultDefinitionCacheTTLSecs,
		HelperDir:                 defaultHelperDir(),
		BuildManifest:             true,
		ProcessTimeout:            time.Duration(defaultProcessTimeoutSecs) * time.Second,
		DefinitionCacheTTL:        time.Duration(defaultDefinitionCacheTTLSecs) * time.Second,
	}
}

// Merge copies every set field of fc onto c. Returns the number of fields merged.
func (fc FileConfig) Merge(c *Config) int {
	merged := 0
	if fc.GoPath != nil {
		c.GoPath = *fc.GoPath
		merged++
	}
	if fc.GodefPath != nil {
		c.GodefPath = *fc.GodefPath
		merged++
	}
	if fc.GocodePath != nil {
		c.GocodePath = *fc.GocodePath
		merged++
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
		merged++
	}
	if fc.ProcessTimeoutSeconds != nil {
		c.ProcessTimeoutSeconds = *fc.ProcessTimeoutSeconds
		merged++
	}
	if fc.DefinitionCacheTTLSeconds != nil {
		c.DefinitionCacheTTLSeconds = *fc.DefinitionCacheTTLSeconds
		merged++
	}
	if fc.HelperDir != nil {
		c.HelperDir = *fc.HelperDir
		merged++
	}
	if fc.BuildManifest != nil {
		c.BuildManifest = *fc.BuildManifest
		merged++
	}
	return merged
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if c.ProcessTimeoutSeconds <= 0 {
		logger.Warn("Config validation: process_timeout_seconds is not positive, applying default.", "configured_value", c.ProcessTimeoutSeconds, "default", tempDefault.ProcessTimeoutSeconds)
		c.ProcessTimeoutSeconds = tempDefault.ProcessTimeoutSeconds
	} else if c.ProcessTimeoutSeconds > maxConfiguredProcessTimeoutSecs {
		logger.Warn("Config validation: process_timeout_seconds too large, applying default.", "configured_value", c.ProcessTimeoutSeconds, "max", maxConfiguredProcessTimeoutSecs)
		validationErrors = append(validationErrors, fmt.Errorf("process_timeout_seconds %d exceeds %d", c.ProcessTimeoutSeconds, maxConfiguredProcessTimeoutSecs))
		c.ProcessTimeoutSeconds = tempDefault.ProcessTimeoutSeconds
	}
	if c.DefinitionCacheTTLSeconds < 0 || c.DefinitionCacheTTLSeconds > maxConfiguredDefinitionCacheSecs {
		logger.Warn("Config validation: definition_cache_ttl_seconds out of range, applying default.", "configured_value", c.DefinitionCacheTTLSeconds, "default", tempDefault.DefinitionCacheTTLSeconds)
		validationErrors = append(validationErrors, fmt.Errorf("definition_cache_ttl_seconds %d outside [0, %d]", c.DefinitionCacheTTLSeconds, maxConfiguredDefinitionCacheSecs))
		c.DefinitionCacheTTLSeconds = tempDefault.DefinitionCacheTTLSeconds
	}
	c.ProcessTimeout = time.Duration(c.ProcessTimeoutSeconds) * time.Second
	c.DefinitionCacheTTL = time.Duration(c.DefinitionCacheTTLSeconds) * time.Second

	if strings.TrimSpace(c.HelperDir) == "" {
		logger.Warn("Config validation: helper_dir is empty, applying default.", "default", tempDefault.HelperDir)
		c.HelperDir = tempDefault.HelperDir
	}

	// Tool preferences are hints; a missing file falls back to PATH lookup.
	for name, p := range map[string]string{"go_path": c.GoPath, "godef_path": c.GodefPath, "gocode_path": c.GocodePath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			logger.Warn("Config validation: tool preference does not exist, PATH lookup will be used.", "setting", name, "path", p)
		}
	}

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// =============================================================================
// Trigger Types
// =============================================================================

// Lang is the language tag carried by every trigger and definition record.
const Lang = "Go"

// TriggerForm is the kind of editor action a trigger asks for.
type TriggerForm int

const (
	FormCompletion TriggerForm = iota
	FormCalltip
	FormDefinition
)

func (f TriggerForm) String() string {
	switch f {
	case FormCompletion:
		return "completion"
	case FormCalltip:
		return "calltip"
	case FormDefinition:
		return "definition"
	default:
		return fmt.Sprintf("form(%d)", int(f))
	}
}

// TriggerKind classifies the editing context at a trigger position.
type TriggerKind int

const (
	KindNone TriggerKind = iota
	KindObjectMembers
	KindCallSignature
	KindImports
	KindAny
	KindNames // Re-derived from a run of identifier characters before the cursor.
)

func (k TriggerKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindObjectMembers:
		return "object-members"
	case KindCallSignature:
		return "call-signature"
	case KindImports:
		return "imports"
	case KindAny:
		return "any"
	case KindNames:
		return "names"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger is a classified signal that editor input at Pos warrants analysis.
// Triggers are values; nothing mutates one after construction.
type Trigger struct {
	Lang     string
	Form     TriggerForm
	Kind     TriggerKind
	Pos      int  // Byte offset into the buffer.
	Implicit bool // Auto-fired rather than explicitly requested.
}

func (t Trigger) String() string {
	return fmt.Sprintf("<Trigger %s-%s %s@%d implicit=%t>", t.Lang, t.Form, t.Kind, t.Pos, t.Implicit)
}

func newTrigger(form TriggerForm, kind TriggerKind, pos int, implicit bool) Trigger {
	return Trigger{Lang: Lang, Form: form, Kind: kind, Pos: pos, Implicit: implicit}
}

// DefinitionTrigger returns the trigger for a go-to-definition request at pos.
func DefinitionTrigger(pos int) Trigger {
	return newTrigger(FormDefinition, KindNone, pos, false)
}

// Session carries resolver state between successive PrecedingTrigger calls
// for one buffer. The zero value is a fresh session.
type Session struct {
	LastKind TriggerKind
	HasLast  bool
}

func (s Session) lastWasNames() bool { return s.HasLast && s.LastKind == KindNames }

// =============================================================================
// Result Types
// =============================================================================

// DisplayKind is the UI category of a completion entry.
type DisplayKind string

const (
	DisplayVariable      DisplayKind = "variable"
	DisplayFunction      DisplayKind = "function"
	DisplayModule        DisplayKind = "module"
	DisplayClass         DisplayKind = "class"
	DisplayConstant      DisplayKind = "constant"
	DisplayArrayVariable DisplayKind = "@variable"
	DisplayMapVariable   DisplayKind = "%variable"
	DisplayImport        DisplayKind = "import"
)

// CompletionEntry is one normalized completion candidate.
type CompletionEntry struct {
	Kind DisplayKind
	Name string
}

// DefinitionRecord describes where a symbol is defined.
type DefinitionRecord struct {
	Lang      string
	Path      string
	Name      string
	Line      string // 1-based, as reported by the backend.
	// Kind is "function" for func types, else the first word of the type
	// description ("struct", "int"). The full description is in Signature.
	Kind      string
	Signature string
	Doc       string
}

// Status is the final signal sent to a ResultController.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusNoResults Status = "no-results"
)

// UnsavedPath is the buffer path used for documents without a file on disk.
const UnsavedPath = "<Unsaved>"

// Buffer is the editor state a request operates on.
type Buffer struct {
	Path     string
	Accessor Accessor
	Env      []string // KEY=VALUE pairs; nil means the current process environment.
}

// Text returns the full buffer content.
func (b *Buffer) Text() []byte {
	if b == nil || b.Accessor == nil {
		return nil
	}
	return b.Accessor.Text()
}
