// Package password hashes and verifies account passwords with bcrypt.
package password
