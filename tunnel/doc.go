// Package tunnel implements the encrypted command channel used for login,
// signup, password change and password reset.
//
// A connection runs one handshake and one command:
//
//  1. The client sends a challenge token.
//  2. The server sends a fresh RSA public key (base64 PKIX DER).
//  3. The client sends its own public key in the same encoding.
//  4. The server sends OAEP("OK") under the client key.
//  5. The client sends a command frame whose fields are OAEP-encrypted
//     under the server key.
//  6. The server replies with one status frame encrypted under the client key.
//
// Malformed input at any step closes the connection without a reply.
package tunnel
