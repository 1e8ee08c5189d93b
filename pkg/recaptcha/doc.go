// Package recaptcha solves the audio variant of the reCAPTCHA v2 widget
// through a remote browser.
//
// The engine never launches or navigates a browser itself. Callers hand it a
// Session (the host page), a Fetcher for the challenge audio and a
// Transcriber for speech-to-text, and Solve runs a bounded state machine:
//
//	Init -> Probing -> Solving -> Verifying -> {Success, Exhausted, Fatal}
//
// Every remote operation carries its own deadline, attempts are strictly
// sequential, and all retry decisions live in one place so the attempt budget
// is a hard ceiling.
package recaptcha
