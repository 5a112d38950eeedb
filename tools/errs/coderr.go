package errs

import (
	"errors"
	"strconv"

	pkgerrors "github.com/pkg/errors"
)

// CodeError carries a stable numeric code plus a human message. Detail holds
// the per-occurrence text and is what gets shown to a websocket peer.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return e.Msg + " (code " + strconv.Itoa(e.Code) + ")"
	}
	return e.Msg + ": " + e.Detail + " (code " + strconv.Itoa(e.Code) + ")"
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// WithDetail returns a copy with detail appended; the receiver is left untouched.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else if detail != "" {
		c.Detail += ", " + detail
	}
	return c
}

// Wrap attaches a stack trace to a copy of e.
func (e *CodeError) Wrap() error {
	return pkgerrors.WithStack(e.clone())
}

// WrapMsg is WithDetail(detail).Wrap().
func (e *CodeError) WrapMsg(detail string) error {
	return pkgerrors.WithStack(e.WithDetail(detail))
}

// Is reports whether target is a CodeError with the same code.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Code extracts the CodeError from an error chain.
func Code(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Text is the peer-facing text of err: the detail if one was attached,
// otherwise the code message.
func Text(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := Code(err); ok {
		if ce.Detail != "" {
			return ce.Detail
		}
		return ce.Msg
	}
	return err.Error()
}
