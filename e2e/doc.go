//go:build e2e

// Package e2e runs the GoogCC sender in cmd/chrome-interop against a real
// Chrome receiver.
//
// Chrome is the remote end: it answers the server's paced synthetic video
// with transport-wide feedback, which is what the controller consumes. The
// tests check that the loop closes, that the target stays inside the
// configured bounds and that video bytes actually arrive.
//
//	go test -tags=e2e ./e2e/...
//
// Rod downloads a Chromium build when none is installed. Set
// GOOGCC_E2E_KEEP_BROWSER=1 to leave launched browsers running after the
// suite for inspection.
//
// Each test starts its own server on a random port and its own browser.
package e2e
