package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shawkym/mxview/pkg/log"
)

// MaxBodyBytes keeps a message body well under the 64 KiB event size limit
// of the Client-Server API.
const MaxBodyBytes = 60000

// Shrug is the text appended by /shrug.
const Shrug = `¯\_(ツ)_/¯`

// ErrEmptyMessage rejects messages with nothing to send.
var ErrEmptyMessage = errors.New("message is empty")

// DefaultOutgoing is the chain used for messages typed in the composer.
func DefaultOutgoing() *Chain {
	return NewChain(
		ErrorRecoveryMiddleware(),
		LoggingMiddleware(),
		SanitizationMiddleware(),
		EmoteMiddleware(),
		ShrugMiddleware(),
		EmptyContentValidationMiddleware(),
		MaxSizeMiddleware(MaxBodyBytes),
	)
}

// LoggingMiddleware logs each message at debug level.
func LoggingMiddleware() Middleware {
	return NewMiddlewareFunc("logging", func(ctx *MessageContext, msg *Message, next ProcessFunc) (*Message, error) {
		start := time.Now()
		result, err := next(ctx, msg)
		if err != nil {
			return nil, err
		}

		log.WithFields(map[string]interface{}{
			"room_id":     ctx.RoomID,
			"msgtype":     result.MsgType,
			"body_len":    len(result.Body),
			"duration_us": time.Since(start).Microseconds(),
		}).Debug("outgoing message prepared")
		return result, nil
	})
}

// SanitizationMiddleware trims surrounding whitespace and drops control
// characters other than newlines and tabs.
func SanitizationMiddleware() Middleware {
	return NewTransformMiddleware("sanitization", func(ctx *MessageContext, msg *Message) (*Message, error) {
		msg.Body = strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' || !unicode.IsControl(r) {
				return r
			}
			return -1
		}, strings.TrimSpace(msg.Body))
		return msg, nil
	})
}

// EmoteMiddleware turns "/me waves" into an m.emote with body "waves".
func EmoteMiddleware() Middleware {
	return NewTransformMiddleware("emote", func(ctx *MessageContext, msg *Message) (*Message, error) {
		if rest, ok := cutCommand(msg.Body, "/me"); ok {
			msg.MsgType = MsgEmote
			msg.Body = rest
		}
		return msg, nil
	})
}

// ShrugMiddleware turns "/shrug text" into "text ¯\_(ツ)_/¯".
func ShrugMiddleware() Middleware {
	return NewTransformMiddleware("shrug", func(ctx *MessageContext, msg *Message) (*Message, error) {
		if rest, ok := cutCommand(msg.Body, "/shrug"); ok {
			msg.Body = strings.TrimSpace(rest + " " + Shrug)
		}
		return msg, nil
	})
}

// EmptyContentValidationMiddleware rejects messages without a body.
func EmptyContentValidationMiddleware() Middleware {
	return NewValidationMiddleware("empty-content", func(ctx *MessageContext, msg *Message) error {
		if strings.TrimSpace(msg.Body) == "" {
			return ErrEmptyMessage
		}
		return nil
	})
}

// MaxSizeMiddleware rejects bodies longer than limit bytes.
func MaxSizeMiddleware(limit int) Middleware {
	return NewValidationMiddleware("max-size", func(ctx *MessageContext, msg *Message) error {
		if limit > 0 && len(msg.Body) > limit {
			return fmt.Errorf("message is %d bytes, the limit is %d", len(msg.Body), limit)
		}
		return nil
	})
}

// ErrorRecoveryMiddleware turns a panic further down the chain into an
// error.
func ErrorRecoveryMiddleware() Middleware {
	return NewMiddlewareFunc("error-recovery", func(ctx *MessageContext, msg *Message, next ProcessFunc) (result *Message, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(map[string]interface{}{
					"room_id": ctx.RoomID,
					"panic":   r,
				}).Error("middleware panic recovered")
				err = fmt.Errorf("middleware panic: %v", r)
				result = nil
			}
		}()

		return next(ctx, msg)
	})
}

// cutCommand reports whether body starts with the command word cmd and
// returns the text after it.
func cutCommand(body, cmd string) (string, bool) {
	if body == cmd {
		return "", true
	}
	rest, ok := strings.CutPrefix(body, cmd+" ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
