// Package middleware runs outgoing room messages through a chain of
// handlers before they are sent. Handlers can rewrite the body, switch the
// msgtype, or reject the message.
package middleware

import (
	"context"
	"fmt"

	"github.com/shawkym/mxview/pkg/log"
)

// Message types a chain may produce.
const (
	MsgText   = "m.text"
	MsgEmote  = "m.emote"
	MsgNotice = "m.notice"
)

// Message is an m.room.message on its way to the homeserver.
type Message struct {
	MsgType string
	Body    string
}

// Content returns the event content for m.
func (m *Message) Content() map[string]interface{} {
	msgType := m.MsgType
	if msgType == "" {
		msgType = MsgText
	}
	return map[string]interface{}{"msgtype": msgType, "body": m.Body}
}

// MessageContext describes where a message is going.
type MessageContext struct {
	Ctx    context.Context
	RoomID string
	Sender string
}

// Middleware processes messages in a chain.
type Middleware interface {
	// Process handles msg and usually passes it on to next.
	Process(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error)

	// Name identifies the middleware in logs.
	Name() string
}

// ProcessFunc is one step of a chain.
type ProcessFunc func(ctx *MessageContext, msg *Message) (*Message, error)

// Chain is an ordered list of middleware. The zero value passes messages
// through unchanged.
type Chain struct {
	middleware []Middleware
}

// NewChain creates a chain running middleware in order.
func NewChain(middleware ...Middleware) *Chain {
	return &Chain{middleware: middleware}
}

// Add appends middleware to the chain.
func (c *Chain) Add(m Middleware) {
	c.middleware = append(c.middleware, m)
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.middleware)
}

// Process runs msg through the chain. A nil chain returns msg.
func (c *Chain) Process(ctx *MessageContext, msg *Message) (*Message, error) {
	if c.Len() == 0 {
		return msg, nil
	}

	process := ProcessFunc(func(_ *MessageContext, msg *Message) (*Message, error) {
		return msg, nil
	})
	for i := len(c.middleware) - 1; i >= 0; i-- {
		m := c.middleware[i]
		next := process
		process = func(ctx *MessageContext, msg *Message) (*Message, error) {
			return m.Process(ctx, msg, next)
		}
	}
	return process(ctx, msg)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc struct {
	name string
	fn   func(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error)
}

// NewMiddlewareFunc creates a middleware from a function.
func NewMiddlewareFunc(name string, fn func(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error)) Middleware {
	return &MiddlewareFunc{name: name, fn: fn}
}

func (m *MiddlewareFunc) Process(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error) {
	return m.fn(ctx, msg, next)
}

func (m *MiddlewareFunc) Name() string {
	return m.name
}

// TransformFunc rewrites a message.
type TransformFunc func(ctx *MessageContext, msg *Message) (*Message, error)

// NewTransformMiddleware creates middleware from a transform function.
func NewTransformMiddleware(name string, transform TransformFunc) Middleware {
	return NewMiddlewareFunc(name, func(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error) {
		transformed, err := transform(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return next(ctx, transformed)
	})
}

// ValidationFunc returns an error for messages that must not be sent.
type ValidationFunc func(ctx *MessageContext, msg *Message) error

// NewValidationMiddleware creates middleware from a validation function.
func NewValidationMiddleware(name string, validate ValidationFunc) Middleware {
	return NewMiddlewareFunc(name, func(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error) {
		if err := validate(ctx, msg); err != nil {
			log.WithFields(map[string]interface{}{
				"middleware": name,
				"room_id":    ctx.RoomID,
			}).WithError(err).Warn("outgoing message rejected")
			return nil, err
		}
		return next(ctx, msg)
	})
}
