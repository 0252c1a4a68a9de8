/*
Package vault provides symmetric authenticated encryption of device
credentials at rest.

A process-wide key is derived from an environment-supplied secret by
truncating the raw bytes to 32 and right-padding with zeros, then used with
AES-256-GCM. Encrypt produces URL-safe base64 text with the nonce prepended;
Decrypt reverses it or fails with types.ErrCredentialDecrypt.

There is no re-wrap mechanism: rotating the key invalidates every stored
ciphertext and devices must be re-registered.
*/
package vault
