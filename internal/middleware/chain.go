package middleware

import (
	"net/http"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain composes middleware so that the first one listed runs first
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from the given middleware
func NewChain(middlewares ...Middleware) Chain {
	return Chain{middlewares: append([]Middleware(nil), middlewares...)}
}

// Then wraps h with every middleware of the chain
func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// ThenFunc is Then for a plain handler function
func (c Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	return c.Then(fn)
}

// Append returns a new chain with extra middleware at the end
func (c Chain) Append(middlewares ...Middleware) Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)
	out = append(out, middlewares...)
	return Chain{middlewares: out}
}
