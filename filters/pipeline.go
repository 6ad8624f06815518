package filters

// Pipeline bundles the four stage-specific FilterStacks that make up
// the whole request/response filter pipeline for a proxy instance.
// Both header stacks are seeded with the standard RFC 2616 header
// filter at construction time, ahead of any user-supplied filter, per
// the ordering guarantee in §4.E.
type Pipeline struct {
	RequestHeaders  *HeaderFilterStack
	RequestBody     *BodyFilterStack
	ResponseHeaders *HeaderFilterStack
	ResponseBody    *BodyFilterStack
}

// NewPipeline builds an empty Pipeline with standard pre-registered on
// both header stacks.
func NewPipeline(standard HeaderFilter) *Pipeline {
	p := &Pipeline{
		RequestHeaders:  &HeaderFilterStack{},
		RequestBody:     &BodyFilterStack{},
		ResponseHeaders: &HeaderFilterStack{},
		ResponseBody:    &BodyFilterStack{},
	}
	entry := HeaderEntry{Predicate: AlwaysMatch(), Filter: standard}
	p.RequestHeaders.Push(entry)
	p.ResponseHeaders.Push(entry)
	return p
}

// PushRequestHeader registers a user request-header filter after
// whatever is already on the stack (after the standard filter).
func (p *Pipeline) PushRequestHeader(pred *MatchPredicate, f HeaderFilter) {
	p.RequestHeaders.Push(HeaderEntry{Predicate: pred, Filter: f})
}

// PushResponseHeader registers a user response-header filter.
func (p *Pipeline) PushResponseHeader(pred *MatchPredicate, f HeaderFilter) {
	p.ResponseHeaders.Push(HeaderEntry{Predicate: pred, Filter: f})
}

// PushRequestBody registers a request-body filter.
func (p *Pipeline) PushRequestBody(pred *MatchPredicate, f BodyFilter) {
	p.RequestBody.Push(BodyEntry{Predicate: pred, Filter: f})
}

// PushResponseBody registers a response-body filter.
func (p *Pipeline) PushResponseBody(pred *MatchPredicate, f BodyFilter) {
	p.ResponseBody.Push(BodyEntry{Predicate: pred, Filter: f})
}

// EndOfMessage drops selection state on every body stack; called once a
// message (short-circuited or not) has been fully served, so the next
// request on the same connection starts clean even if a stage was never
// reached (e.g. a short-circuited request skips RequestBody/ResponseBody
// entirely).
func (p *Pipeline) EndOfMessage() {
	p.RequestBody.Eod()
	p.ResponseBody.Eod()
}
