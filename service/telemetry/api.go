package telemetry

import (
	"github.com/safing/routemon/base/api"
)

func (t *Telemetry) registerAPI(a *api.API) error {
	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Calls Routed",
		Description: "Returns the calls routed in the last second, the average and peak of the last minute and the total.",
		Path:        "calls/routed",
		StructFunc: func(_ *api.Request) (any, error) {
			return t.Snapshot(), nil
		},
	}); err != nil {
		return err
	}

	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Calls Routed Stream",
		Description: "Websocket that receives a calls routed snapshot after every rotation.",
		Path:        "calls/routed/stream",
		HandlerFunc: api.StreamEvents(a, "calls routed", t.Snapshots),
	}); err != nil {
		return err
	}

	return nil
}
