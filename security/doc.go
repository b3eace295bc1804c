// Package security holds the shared security primitives of the engine.
//
// # Security events
//
// Every component reports security-relevant occurrences as an Event with a type
// (see the Event* constants) and a Severity. Events are written through a Sink,
// which persists them to a storage.EventStore and then publishes them to the
// subscribers registered with Sink.Subscribe:
//
//	sink, err := security.NewSink(security.SinkConfig{Store: store, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//
//	unsubscribe := sink.Subscribe("log", security.NewEventLogger(logger, security.SeverityMedium).Handle)
//	defer unsubscribe()
//
// Subscribers run on their own goroutine with a bounded queue; a slow subscriber
// loses events instead of slowing down request checks.
//
// # Failure policy
//
// Checks that depend on a store or provider carry a FailurePolicy. Token and
// session checks default to FailClosed, the rate limiter defaults to FailOpen.
// Infrastructure errors are passed to a FailureMonitor, which logs them and
// emits EventInfrastructureFailureRecurring once they recur within a window.
//
// # Clock
//
// Services take a Clock so tests can control time. SystemClock is the default.
//
// # Secrets at rest
//
// Encryptor seals stored secrets with AES-256-GCM. Generate a key with GenerateKey
// and pass it base64 encoded through configuration.
package security
