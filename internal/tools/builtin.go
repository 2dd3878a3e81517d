package tools

// RegisterBuiltins registers all built-in tools in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	assertTool, err := NewAssertTool()
	if err != nil {
		return err
	}

	all := []Tool{
		NewHTTPRequestTool(httpCfg),
		NewTransformTool(),
		NewEvalTool(),
		assertTool,
		NewWaitTool(),
	}

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
