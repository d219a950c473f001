// A collection of event names and common methods used to handle the events,
// typically redirecting the handling to a service method via the `Handler`
// interface.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hauworth/mediamill/internal/media"
	"github.com/hauworth/mediamill/pkg/logger"
)

var log = logger.Get("Event")

// Events emitted by various parts of the pipeline that should be handled
// by another, silo'd part of the architecture. The processor listens for
// metadata completions to fan out derived-artifact jobs; gateway layers
// may listen for everything to notify connected UIs.
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	// MetadataSavedPayload accompanies METADATA_SAVED. It carries enough of
	// the originating job envelope for listeners to dispatch follow-on work
	// without a record-store round trip.
	MetadataSavedPayload struct {
		AssetID        string
		StorageKey     string
		MimeType       string
		SourceFilename string
		AccountID      string
		ProjectID      string
		Metadata       media.MediaMetadata
	}

	// ArtifactSavedPayload accompanies ARTIFACT_SAVED.
	ArtifactSavedPayload struct {
		AssetID    string
		Kind       string
		StorageKey string
	}

	// PurgeCompletePayload accompanies PURGE_COMPLETE.
	PurgeCompletePayload struct {
		DeletedCount int
		ErrorCount   int
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	METADATA_SAVED Event = "asset:metadata:saved"
	ARTIFACT_SAVED Event = "asset:artifact:saved"
	PURGE_COMPLETE Event = "maintenance:purge:complete"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send
// Event messages on the channel any time a Dispatch for the provided event
// occurs. This method can be used multiple times for different events on
// the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message
// on the handler channel, then the thread dispatching the event will also
// be BLOCKED. Buffer handler channels appropriately to avoid
// dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which
// will be stored and called with the payload for the event whenever it is
// dispatched. The handle provided should be guaranteed to return quickly,
// else other threads calling Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which
// will be stored and called inside of a goroutine when the event is
// handled. The speed at which this handle runs is not important to the
// event bus, unlike RegisterHandlerFunction.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and delivers the payload to
// every handler registered for the event type provided. Note that this
// method WILL block if a synchronous handler function is blocking, or if
// channel handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event
// specified. An error is returned if the payload is not valid, and the
// event is not delivered to the registered handlers in this case.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case METADATA_SAVED:
		if _, ok := payload.(MetadataSavedPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected MetadataSavedPayload", payloadTypeName, event)
		}
		return nil
	case ARTIFACT_SAVED:
		if _, ok := payload.(ArtifactSavedPayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected ArtifactSavedPayload", payloadTypeName, event)
		}
		return nil
	case PURGE_COMPLETE:
		if _, ok := payload.(PurgeCompletePayload); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event, expected PurgeCompletePayload", payloadTypeName, event)
		}
		return nil
	}

	return errors.New("event type not recognized for validation")
}
