// Package bootstrap creates the first administrator exactly once.
package bootstrap
