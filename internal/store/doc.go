// Package store holds persistence helpers shared by task store backends:
// sentinel errors, the DBTX query surface, and transaction handling.
package store
