// Package attendance implements QR-code attendance sessions: session lifecycle,
// rotating check-in tokens, check-in validation, persistence and CSV export.
//
// Security boundary: anyone holding the current check-in link may check in.
// Possession of the link, not identity, is what the token proves; rotating the
// token or closing the session are the operator's ways to revoke a leaked link.
//
// Expiry is lazy. Nothing flips a session to CLOSED when ExpiresAt passes; the
// validator observes it on the next check-in attempt. Status alone is therefore
// not a usability signal: use Session.Usable(now) or Session.EffectiveStatus(now).
package attendance
