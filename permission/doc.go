// Package permission maps the role names stored on user records to the
// permissions phazeid checks, such as registering OAuth applications.
//
// A [Registry] holds the closed set of permission names and is frozen at
// build time. A [RoleManager] defines each role as a set of registered
// permissions. Roles are resolved at check time, so role definitions can
// change between deployments without rewriting users.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import phazeid or session.
package permission
