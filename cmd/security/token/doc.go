// Package token generates and compares check-in tokens.
//
// A check-in token is an opaque, URL-safe secret bound to exactly one attendance
// session inside the session store. It embeds no session identity: the session id
// travels separately in the check-in URL and the token only proves possession of
// the current link.
//
// Tokens carry DefaultBytes (256 bits) of entropy from crypto/rand. The floor is
// MinBytes (128 bits), which keeps brute-force guessing infeasible within any
// session's validity window.
package token
