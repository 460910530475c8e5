// Package eventstream turns events fired by a registration-capable source into
// cold, lazily activated streams.
//
// A Source is anything with On/Off registration primitives keyed by event
// name, an optional delegation selector and a listener: a dom.Selection, a
// bus.Source backed by a message transport, or your own type. AsStream builds
// a stream that registers a fresh listener when it gets its first observer and
// deregisters that same listener when the last observer leaves.
//
// Basic example:
//
//	doc, _ := dom.ParseString(`<ul><li class="item" id="x7">seven</li></ul>`)
//	list := doc.MustFind("ul")
//
//	ids := eventstream.AsStream(list, "click", ".item", func(this any, args ...any) any {
//	    return args[0].(*dom.Event).Target.ID()
//	})
//	sub, _ := ids.Observe(func(v any) { fmt.Println(v) })
//	defer sub.Close()
//
//	doc.MustFind("#x7").Click() // prints x7
//
// Arguments after the event name:
//   - none: values are the first raw event argument
//   - a selector string: handlers are delegated to matching descendants
//   - a transformer: values are transformer(this, args...)
//   - a selector and a transformer
//
// Transformers may be a Transformer, a func(this any, args ...any) any or a
// func(any) any applied to the first raw argument.
//
// Adapter Options:
//   - WithName: stream name. Default is "eventstream:AsStream".
//   - WithLogger: set logger for activation and teardown.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//
// The package-level AsStream uses Default(), which can be replaced once at
// startup with SetDefault.
package eventstream
