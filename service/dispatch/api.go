package dispatch

import (
	"github.com/safing/routemon/base/api"
)

func (d *Dispatcher) registerAPI(a *api.API) error {
	if err := a.RegisterEndpoint(api.Endpoint{
		Name:        "Dispatch Statistics",
		Description: "Returns the unit counters and the queue state of the dispatcher.",
		Path:        "dispatch/stats",
		StructFunc: func(_ *api.Request) (any, error) {
			return d.Stats(), nil
		},
	}); err != nil {
		return err
	}

	return a.RegisterEndpoint(api.Endpoint{
		Name:        "Dispatch Alarms Stream",
		Description: "Websocket that receives queue overflow alarms.",
		Path:        "dispatch/alarms",
		HandlerFunc: api.StreamEvents(a, "dispatch alarms", d.Alarms),
	})
}
