package segmenter

// Handler receives the events of an upstream byte source. Calls are expected
// to be serialized by the source; a handler is never invoked concurrently
// with itself.
type Handler interface {
	// OnData delivers an opaque chunk of capture bytes.
	OnData(chunk []byte)
	// OnEnd signals graceful termination of the source.
	OnEnd()
	// OnError signals fatal termination of the source.
	OnError(err error)
}

// Source is an upstream producer of raw capture bytes, such as a WebSocket
// connection from the browser capture.
type Source interface {
	Subscribe(h Handler)
	Unsubscribe(h Handler)
}

// sourceHandler adapts the segmenter to the Handler interface without
// exposing the event entry points on the public API.
type sourceHandler struct {
	s *Segmenter
}

func (h sourceHandler) OnData(chunk []byte) { h.s.handleData(chunk) }
func (h sourceHandler) OnEnd()              { h.s.handleEnd() }
func (h sourceHandler) OnError(err error)   { h.s.handleError(err) }
