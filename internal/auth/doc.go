// Package auth issues and verifies the bearer tokens that guard the meter
// control endpoint.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. Every token must
// carry a subject (recorded in the control audit log) and an expiry; there
// are no refresh tokens or server-side sessions.
package auth
