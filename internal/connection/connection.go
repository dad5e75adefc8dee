package connection

import (
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/logging"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Handler receives one inbound command message.
//
// Handlers run on the channel's delivery goroutine and must not block for
// long: a slow handler delays every later message on that channel.
type Handler func(msg string)

// Publication is one outbound value for one endpoint.
type Publication struct {
	Value    string
	Endpoint routing.Endpoint
}

// Channel is a named transport that devices publish through and receive
// commands from.
//
// Implementations must not return errors to publishers: transport failures
// are logged and the value is dropped (or buffered, see Base). Publish may be
// called concurrently from many poll goroutines.
type Channel interface {
	// Name returns the configured channel name.
	Name() string

	// Publish sends p.Value to every state destination of p.Endpoint.
	Publish(p Publication)

	// Register records h as the handler for commands arriving on sub.Source.
	// Registering the same source again replaces the previous handler.
	Register(sub routing.Subscription, h Handler)

	// Disconnect releases the transport. It is called once per generation,
	// after every device has been cleaned up.
	Disconnect()
}

// HandlerChecker is implemented by channels that can report whether a
// destination has a registered handler.
type HandlerChecker interface {
	HasHandler(dest string) bool
}

// Announcer is implemented by channels that publish device descriptions
// once every device of a generation has been built.
type Announcer interface {
	Announce(tables []*routing.Table)
}

// Env carries the generation-level collaborators a channel factory needs.
type Env struct {
	// Logger is already tagged with the channel's name and level.
	Logger *logging.Logger

	// Refresh asks the active generation to republish every device's state.
	// Safe to call at any time, including before the generation has started.
	Refresh func(reason string)
}

// Factory builds a Channel from its configuration section.
type Factory func(env Env, section config.Section) (Channel, error)

// Log returns the channel logger, or one that discards output when unset.
func (e Env) Log() Logger {
	if e.Logger == nil {
		return noopLogger{}
	}
	return e.Logger
}
