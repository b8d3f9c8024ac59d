// Package keys defines the store key namespace.
//
// Layout:
//
//	<namespace>:<model>              index and bookkeeping root
//	<namespace>:<model>:id           primary-key index (set or sorted set)
//	<namespace>:<model>:obj:<id>     instance hash
//	<namespace>:<model>:tmp:<uid>    ephemeral computation key, always expiring
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Prefixes within a model namespace.
const (
	Obj = "obj"
	Tmp = "tmp"
	IDx = "id"
)

// Join joins non-empty key parts with ':'.
func Join(parts ...string) string {
	n := 0
	for _, p := range parts {
		if p != "" {
			parts[n] = p
			n++
		}
	}
	return strings.Join(parts[:n], ":")
}

// Base returns the root key for a model within a namespace.
func Base(namespace, model string) string {
	return Join(namespace, model)
}

// Object returns the instance hash key.
func Object(base, id string) string {
	return Join(base, Obj, id)
}

// ObjectPattern returns the SORT BY/GET pattern addressing an instance
// attribute, e.g. "ns:model:obj:*->age".
func ObjectPattern(base, attr string) string {
	return Join(base, Obj, "*->"+attr)
}

// Temp returns a fresh temporary key under the model namespace.
func Temp(base string) string {
	return Join(base, Tmp, UniqueID())
}

// TempPattern matches every temporary key of a model namespace.
func TempPattern(base string) string {
	return Join(base, Tmp, "*")
}

// UniqueID returns a random 128-bit hex identifier.
func UniqueID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
