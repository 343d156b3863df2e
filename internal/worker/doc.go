// Package worker runs application handlers behind the worker end of the bus.
//
// Every inbound request reaches the handler together with a Ready function
// that posts exactly one correlated response. Handlers may call Ready later
// from any goroutine.
//
// Side-channel:
// - Log() lines are posted as INTERNAL_LOG frames
// - panics in handlers, and in work started with Go, become INTERNAL_ERROR frames
//
// The bus itself keeps serving after a fault.
package worker
