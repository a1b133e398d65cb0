package tub

import (
	"context"
	"fmt"
	"sync"
)

// Method is a remotely invocable handler. args are already deserialized:
// references arrive as *RemoteReference, objects of this Tub sent back to
// it arrive as the local Referenceable.
//
// A Method may return a *future.Future[any] to answer asynchronously.
type Method func(ctx context.Context, args ...any) (any, error)

// Referenceable is a local object which can be invoked remotely. The set of
// methods it returns is the authority granted to holders of a reference.
//
// Implementations are used as map keys and MUST be comparable, pointer
// types are the natural choice.
type Referenceable interface {
	RemoteMethod(name string) (Method, bool)
}

// Object is a [Referenceable] built from a method table.
type Object struct {
	name    string
	lk      sync.RWMutex
	methods map[string]Method
}

var _ Referenceable = (*Object)(nil)

func NewObject(name string) *Object {
	return &Object{
		name:    name,
		methods: make(map[string]Method),
	}
}

// Handle exposes m under name, replacing any previous handler.
func (obj *Object) Handle(name string, m Method) *Object {
	obj.lk.Lock()
	defer obj.lk.Unlock()
	obj.methods[name] = m
	return obj
}

func (obj *Object) RemoteMethod(name string) (Method, bool) {
	obj.lk.RLock()
	defer obj.lk.RUnlock()
	m, ok := obj.methods[name]
	return m, ok
}

func (obj *Object) String() string {
	return fmt.Sprintf("Object(%s)", obj.name)
}

type callerKey struct{}

func withCaller(ctx context.Context, id TubID) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFromContext returns the Tub which issued the call being served.
func CallerFromContext(ctx context.Context) (TubID, bool) {
	id, ok := ctx.Value(callerKey{}).(TubID)
	return id, ok
}
