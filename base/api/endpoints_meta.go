package api

func (api *API) registerMetaEndpoints() error {
	return api.RegisterEndpoint(Endpoint{
		Path:        "endpoints",
		MimeType:    MimeTypeJSON,
		StructFunc:  api.listEndpoints,
		Name:        "Export API Endpoints",
		Description: "Returns a list of all registered endpoints and their metadata.",
	})
}

func (api *API) listEndpoints(_ *Request) (i any, err error) {
	return api.ExportEndpoints(), nil
}
