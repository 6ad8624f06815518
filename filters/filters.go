// Package filters defines the filter pipeline's base contracts: the two
// filter capabilities (HeaderFilter, BodyFilter), the match predicate
// that selects which filters apply to a given message, and the
// FilterStack that orders, selects and drives filters for one pipeline
// stage.
//
// The design follows the teacher's Spec/Filter split (see
// github.com/zalando/skipper filters.Spec / filters.Filter): a Spec is
// registered once and knows how to validate its configuration and
// produce Filter instances; a Filter instance is what actually runs
// against a message. Unlike the teacher, which hands filters a single
// FilterContext wrapping *http.Request/*http.Response, request/response
// header filters here also receive the specific header bag they may
// mutate, and body filters receive an explicit carry buffer, per the
// "carry-over buffer" design required by the specification.
package filters

import (
	"errors"

	"github.com/httprelay/httprelay/header"
	"github.com/httprelay/httprelay/message"
)

// Stage identifies one of the four pipeline hook points.
type Stage int

const (
	ReqHdr Stage = iota
	ReqBody
	RespHdr
	RespBody
)

func (s Stage) String() string {
	switch s {
	case ReqHdr:
		return "request-headers"
	case ReqBody:
		return "request-body"
	case RespHdr:
		return "response-headers"
	case RespBody:
		return "response-body"
	default:
		return "unknown-stage"
	}
}

// ErrInvalidFilterParameters is returned by a Spec's CreateFilter when
// the supplied configuration does not match what the filter expects.
var ErrInvalidFilterParameters = errors.New("filters: invalid filter parameters")

// HeaderFilter inspects and may mutate the headers of the message
// active at its stage (Request for ReqHdr, Response for RespHdr). It
// may also set a synthetic response on ctx to short-circuit the
// request (only meaningful at ReqHdr). A HeaderFilter must not access
// the message body.
type HeaderFilter interface {
	FilterHeaders(h *header.Header, ctx *message.ProxyContext) error
}

// BodyFilter transforms one chunk of a streaming body. data is the
// chunk currently in flight (already including whatever the filter
// deposited into *carry on its previous call); the filter returns the
// rewritten chunk. Bytes written to *carry are held back and prepended
// to the chunk on the filter's next invocation. When isLast is true the
// filter must flush everything it holds into the returned chunk; *carry
// is ignored in that call.
type BodyFilter interface {
	FilterBody(data []byte, ctx *message.ProxyContext, carry *[]byte, isLast bool) ([]byte, error)
}

// Beginner is an optional capability: Begin is called once per message,
// before the filter's first invocation at its stage.
type Beginner interface {
	Begin(ctx *message.ProxyContext)
}

// Ender is an optional capability: End is called once per message,
// after the filter's last invocation at its stage.
type Ender interface {
	End()
}

// WillModifier is an optional BodyFilter capability: a filter that
// implements it declares whether it can change the length or content
// of the body. A FilterStack's aggregate WillModify is true iff any
// selected body filter reports true.
type WillModifier interface {
	WillModify() bool
}

// Spec creates Filter instances from configuration. Implementations
// register once; CreateFilter is called once per configured filter
// entry. Any configuration error (invalid MIME glob, unknown method,
// unsupported scheme, bad regex) must be reported here, not at serving
// time.
type Spec interface {
	Name() string
	CreateFilter(config []interface{}) (interface{}, error)
}
