// gocodeintel/lsp_handlers_workspace.go
// Contains LSP method handlers related to workspace events (e.g., configuration changes).
package gocodeintel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// settingsSection is the key clients nest this server's settings under.
const settingsSection = "gocodeintel"

// ============================================================================
// LSP Workspace Method Handlers
// ============================================================================

// handleDidChangeConfiguration merges client settings into the engine config.
// Settings may be nested under "gocodeintel" or sent flat.
func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams, logger *slog.Logger) (any, error) {
	configLogger := logger.With("op", "didChangeConfiguration")
	configLogger.Info("Handling workspace/didChangeConfiguration")

	fileCfg, err := decodeClientSettings(params.Settings)
	if err != nil {
		configLogger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		return nil, nil
	}

	newConfig := s.engine.GetCurrentConfig()
	mergedFields := fileCfg.Merge(&newConfig)
	if mergedFields == 0 {
		configLogger.Debug("No relevant configuration changes found")
		return nil, nil
	}

	configLogger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
	if err := s.engine.UpdateConfig(newConfig); err != nil {
		configLogger.Error("Failed to apply updated configuration", "error", err)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		return nil, nil
	}

	applied := s.engine.GetCurrentConfig()
	if level, parseErr := ParseLogLevel(applied.LogLevel); parseErr == nil && s.levelVar != nil {
		s.levelVar.Set(level)
		configLogger.Info("Server log level updated", "new_level", level)
	}
	return nil, nil
}

func decodeClientSettings(raw json.RawMessage) (FileConfig, error) {
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if section, ok := nested[settingsSection]; ok {
		err := json.Unmarshal(section, &fc)
		return fc, err
	}
	err := json.Unmarshal(raw, &fc)
	return fc, err
}
