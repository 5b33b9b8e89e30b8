package lifecycle

import "toolgate/internal/registry"

// Predefined providers are well-known local tool servers the gateway adopts
// whenever they happen to be listening. They are probed on every boot and
// never persisted to the manifest.
func predefinedProviders() []registry.Descriptor {
	return []registry.Descriptor{
		{
			RegistryID:  "sandbox",
			DisplayName: "Code Sandbox",
			Description: "Executes code snippets in an isolated environment",
			Kind:        registry.KindRemoteServer,
			Endpoint:    "ws://127.0.0.1:8890",
			Provenance:  registry.ProvenancePredefined,
			Enabled:     true,
			Tags:        []string{"builtin", "execution"},
			Capabilities: []registry.Capability{
				{
					Name:        "run_code",
					Description: "Run a code snippet and return its output",
					Parameters: map[string]registry.ParamSchema{
						"language": {Type: "string", Required: true},
						"code":     {Type: "string", Required: true},
						"timeout":  {Type: "integer", Required: false, Default: 30},
					},
				},
			},
		},
		{
			RegistryID:  "browser",
			DisplayName: "Headless Browser",
			Description: "Fetches and renders web pages",
			Kind:        registry.KindRemoteServer,
			Endpoint:    "ws://127.0.0.1:8891",
			Provenance:  registry.ProvenancePredefined,
			Enabled:     true,
			Tags:        []string{"builtin", "web"},
			Capabilities: []registry.Capability{
				{
					Name:        "fetch_page",
					Description: "Fetch a URL and return the rendered content",
					Parameters: map[string]registry.ParamSchema{
						"url": {Type: "string", Required: true},
					},
				},
				{
					Name:        "screenshot",
					Description: "Capture a screenshot of a URL",
					Parameters: map[string]registry.ParamSchema{
						"url": {Type: "string", Required: true},
					},
				},
			},
		},
		{
			RegistryID:  "search",
			DisplayName: "Web Search",
			Description: "Keyword search over the public web",
			Kind:        registry.KindRemoteServer,
			Endpoint:    "ws://127.0.0.1:8892",
			Provenance:  registry.ProvenancePredefined,
			Enabled:     true,
			Tags:        []string{"builtin", "web"},
			Capabilities: []registry.Capability{
				{
					Name:        "search",
					Description: "Search and return ranked results",
					Parameters: map[string]registry.ParamSchema{
						"query":       {Type: "string", Required: true},
						"max_results": {Type: "integer", Required: false, Default: 10},
					},
				},
			},
		},
	}
}
