package tool

// BuiltinOptions configures the builtin tool set.
type BuiltinOptions struct {
	// Workspace confines the file, shell and search tools.
	Workspace Workspace
	// BraveAPIKey enables web_search when set.
	BraveAPIKey string
	// AllowPrivateNetwork lets http_request and fetch_webpage reach
	// loopback and private addresses.
	AllowPrivateNetwork bool
}

// RegisterBuiltins registers the builtin tools.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) {
	reg.Register(&CalculateTool{})
	reg.Register(&ReadFileTool{Workspace: opts.Workspace})
	reg.Register(&WriteFileTool{Workspace: opts.Workspace})
	reg.Register(&ListDirTool{Workspace: opts.Workspace})
	reg.Register(&ExecTool{Workspace: opts.Workspace})
	reg.Register(&SearchCodeTool{Workspace: opts.Workspace})
	reg.Register(&HTTPRequestTool{AllowPrivate: opts.AllowPrivateNetwork})
	reg.Register(&FetchWebpageTool{AllowPrivate: opts.AllowPrivateNetwork})
	if opts.BraveAPIKey != "" {
		reg.Register(&WebSearchTool{APIKey: opts.BraveAPIKey})
	}
}
