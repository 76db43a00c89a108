package tools

// RegisterCoreTools registers the filesystem, shell, and web-search tools
// every agent loop needs regardless of which channels or memory backends are
// configured. Web search is registered only when an API key is present.
func RegisterCoreTools(registry *ToolRegistry, workspace string, webSearchAPIKey string, webSearchMaxResults int) {
	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&ListDirTool{})
	registry.Register(NewEditFileTool(workspace))
	registry.Register(NewExecTool(workspace))

	if webSearchAPIKey != "" {
		registry.Register(NewWebSearchTool(webSearchAPIKey, webSearchMaxResults))
	}
}
