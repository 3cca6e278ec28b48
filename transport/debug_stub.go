//go:build !utpdebug
// +build !utpdebug

package transport

func debug(format string, v ...interface{}) {}
