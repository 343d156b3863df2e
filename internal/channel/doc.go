// Package channel owns the duplex transport between a controller bus and a
// worker bus.
//
// Ownership boundary:
// - ordered frame delivery per direction
// - transport lifecycle (spawn, dial, accept, close)
//
// Every implementation encodes frames on send and decodes them on receipt, so
// the two ends never share memory even when they live in one process.
package channel
