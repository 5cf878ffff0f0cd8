package gateway

import (
	"fmt"

	"github.com/gatemandev/gateman/internal/dialect"
)

// RerouteNotifier mutates an outgoing request body when a transparent retry
// lands it on a provider other than the routing decision's first choice. The
// hook sees the body already rendered in the target provider's dialect, so
// routing stays decoupled from prompt content.
type RerouteNotifier interface {
	NotifyReroute(body []byte, target dialect.Dialect, from, to string) ([]byte, error)
}

// SystemNoticeNotifier appends a system-level line telling the model the
// conversation moved between providers mid-request.
type SystemNoticeNotifier struct{}

func (SystemNoticeNotifier) NotifyReroute(body []byte, target dialect.Dialect, from, to string) ([]byte, error) {
	req, err := dialect.ParseRequest(body, target.NativeSurface())
	if err != nil {
		return nil, err
	}
	notice := fmt.Sprintf("Note: this conversation was rerouted from provider %q to provider %q after a transient failure. Continue the conversation as normal.", from, to)
	if req.System != "" {
		req.System += "\n\n" + notice
	} else {
		req.System = notice
	}
	return dialect.RenderRequest(req, target)
}
