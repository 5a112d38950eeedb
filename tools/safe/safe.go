package safe

import (
	"fmt"
	"reflect"

	"ChannelGateway/logger"
	"ChannelGateway/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts f in a new goroutine that recovers from panic,
// so that one bad connection can't crash the entire gateway.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover is meant to be deferred. It logs a recovered panic with its stack.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Log.Error("panic recovered",
			zap.String("goroutine", name),
			zap.Error(errs.ErrPanic(r)),
			zap.Stack("stack"))
	}
}

// Call runs f and converts a panic into an error.
func Call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return f()
}
