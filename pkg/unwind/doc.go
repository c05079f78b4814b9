// Package unwind holds the input model of the synthesizer: for every
// function, the ordered list of facts describing how to find the canonical
// frame address and the saved frame pointer at each instruction.
//
// Values of this package are produced by an external analyzer and are
// read-only once loaded.
package unwind
