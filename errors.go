package eventstream

import "errors"

// ErrInvalidArgument is the error AsStream panics with when called with
// arguments it cannot interpret, such as a transformer of an unsupported type.
//
// Example:
//
//	defer func() {
//	    if err, ok := recover().(error); ok && errors.Is(err, eventstream.ErrInvalidArgument) {
//	        ...
//	    }
//	}()
var ErrInvalidArgument = errors.New("eventstream: invalid argument")
