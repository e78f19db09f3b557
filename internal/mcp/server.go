package mcp

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/courrier-mg/courrier/internal/config"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"letter", "incoming", "outgoing"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"letter_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"letter_search": {
		def:     searchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSearch },
	},
	"letter_fetch": {
		def:     fetchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFetch },
	},
	"letter_update": {
		def:     updateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUpdate },
	},
	"letter_delete": {
		def:     deleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDelete },
	},
	"letter_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"letter_import": {
		def:     importToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"letter_pdf": {
		def:     pdfToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePDF },
	},
	"incoming_upload": {
		def:     incomingUploadToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIncomingUpload },
	},
	"incoming_commit": {
		def:     incomingCommitToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIncomingCommit },
	},
	"incoming_reset": {
		def:     incomingResetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleIncomingReset },
	},
	"outgoing_generate": {
		def:     outgoingGenerateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOutgoingGenerate },
	},
	"outgoing_commit": {
		def:     outgoingCommitToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOutgoingCommit },
	},
	"outgoing_reset": {
		def:     outgoingResetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOutgoingReset },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "incoming_upload" → "incoming").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates a new MCP server with the courrier tools registered.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(deps Deps, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"courrier",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps, cfg)

	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(deps Deps, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(deps, cfg, version))
}
