// Package auth issues and validates the API's access tokens.
//
// Tokens are HS256 JWTs signed with security.jwt.secret and carry one of
// two roles:
//   - viewer: read devices, drivers, bindings and lifecycle history
//   - operator: everything a viewer can do, plus connect and disconnect
//
// There is no user store. Operators mint tokens with `extdevd token`.
package auth
