// Package backend defines the contract every isolation backend (in-process
// isolate, guest process, Firecracker microVM) implements: opening a Host
// loaded with one user function, and the message Transport the correlation
// broker drives on top of it.
package backend
