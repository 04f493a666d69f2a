package events

import (
	"sync"

	"martingale-bot-go/internal/metrics"

	"go.uber.org/zap"
)

// Handler consumes events on the dispatcher goroutine. A slow handler delays
// the others but never the bots; once the queue is full, events are dropped.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(e Event) { f(e) }

// Dispatcher is the Sink the engine publishes to. It queues events on a
// buffered channel and fans them out serially, so every handler sees the
// events of one bot in publication order.
type Dispatcher struct {
	handlers     []namedHandler
	eventChannel chan Event
	stopChan     chan struct{}
	doneChan     chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	logger       *zap.Logger
}

type namedHandler struct {
	name string
	h    Handler
}

// NewDispatcher creates a dispatcher with a queue of the given size.
func NewDispatcher(buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		eventChannel: make(chan Event, buffer),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		logger:       logger,
	}
}

// Subscribe registers a handler. It must be called before Start.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.handlers = append(d.handlers, namedHandler{name: name, h: h})
}

// Start begins the fan-out loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.eventLoop()
		d.logger.Sugar().Infof("Event dispatcher started with %d handlers.", len(d.handlers))
	})
}

// Stop drains the queued events and shuts the loop down. Publish after Stop
// drops events.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.startOnce.Do(func() { close(d.doneChan) })
		<-d.doneChan
		d.logger.Sugar().Info("Event dispatcher stopped.")
	})
}

// Publish enqueues an event without blocking.
func (d *Dispatcher) Publish(e Event) {
	select {
	case <-d.stopChan:
		metrics.EventsDropped.Inc()
		return
	default:
	}
	select {
	case d.eventChannel <- e:
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	default:
		metrics.EventsDropped.Inc()
		d.logger.Warn("event queue full, dropping event",
			zap.String("bot_id", e.BotID.String()),
			zap.String("type", string(e.Type)))
	}
}

func (d *Dispatcher) eventLoop() {
	defer close(d.doneChan)
	for {
		select {
		case e := <-d.eventChannel:
			d.dispatch(e)
		case <-d.stopChan:
			for {
				select {
				case e := <-d.eventChannel:
					d.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(e Event) {
	for _, nh := range d.handlers {
		d.safeHandle(nh, e)
	}
}

func (d *Dispatcher) safeHandle(nh namedHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("handler", nh.name),
				zap.String("type", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	nh.h.Handle(e)
}

// LogHandler writes every event to logger.
func LogHandler(logger *zap.Logger) Handler {
	return HandlerFunc(func(e Event) {
		fields := []zap.Field{
			zap.String("bot_id", e.BotID.String()),
			zap.String("type", string(e.Type)),
			zap.Any("payload", e.Payload),
		}
		if e.Type == Error {
			logger.Warn("bot event", fields...)
			return
		}
		logger.Info("bot event", fields...)
	})
}

// MetricsHandler feeds trade outcomes into the trading metrics.
func MetricsHandler() Handler {
	return HandlerFunc(func(e Event) {
		switch p := e.Payload.(type) {
		case PositionClosedPayload:
			metrics.MartingaleStep.Observe(float64(p.Levels))
			if p.MarginReturn > 0 {
				metrics.MarginReturnTotal.Add(p.MarginReturn)
			}
		case ErrorPayload:
			if p.Fatal {
				metrics.BotCrashes.Inc()
			}
		}
	})
}
