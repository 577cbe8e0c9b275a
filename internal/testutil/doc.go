// Package testutil provides test fixtures, assertions and a controllable clock
// shared by the dotauth test suites.
package testutil
