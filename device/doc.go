// Package device implements a resilient TCP client for line- or frame-oriented device protocols.
//
// A Device owns a single logical connection to a remote host. It reconnects automatically
// when the connection is lost unexpectedly, exposes the incoming byte stream as data events,
// optionally split into frames by a parser.Transform, and correlates responses to requests
// by pattern matching.
//
// # Lifecycle
//
// The connection moves through the states Disconnected, Connecting, Connected and
// Reconnecting:
//
//	Disconnected --Connect--> Connecting --handshake--> Connected
//	Connected --connection lost--> Reconnecting --reconnect interval--> Connecting
//	Connecting --connect timeout or dial error--> Reconnecting
//	any --Close--> Disconnected
//
// Connect returns once a handshake completed, which may be a later reconnect attempt.
// Close suppresses any further reconnect until Connect is called again.
//
// # Events
//
// Listeners are registered with OnConnect, OnClose, OnError, OnData, OnReconnect, OnTimeout
// and OnStateChange. Events are delivered in the order they occurred, one at a time, and
// never while the device is locked, so listeners may call back into the Device. Responses are
// matched to requests as they are read, so a listener may also issue a Request.
//
// # Requests
//
// Request sends a command and waits for the first incoming chunk (or frame) that matches the
// expected pattern. A chunk matching the optional failure pattern rejects the request with a
// *FailureError. Requests are independent of each other; a chunk may settle several of them.
//
// Example:
//
//	cfg, err := device.NewConfig("192.168.0.10", 5025,
//	    device.WithParser(parser.NewReadline("\n")),
//	    device.WithResponseTimeout(2*time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//
//	dev, err := device.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//
//	if err := dev.Connect(ctx); err != nil {
//	    return err
//	}
//	defer dev.Close(ctx)
//
//	match, err := dev.RequestString(ctx, "*IDN?\n", `^(\w+),(\w+)`, `^ERR`)
package device
