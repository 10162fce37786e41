/*
Package pace establishes Secure Messaging sessions with a chip using PACE (Password Authenticated
Connection Establishment, BSI TR-03110 part 2).

An [Operator] runs the handshake over a [connector.Transport]:

 1. MSE:Set AT selects the protocol, the password and the terminal type.
 2. General Authenticate fetches the encrypted nonce, which the terminal decrypts with a key
    derived from the password.
 3. Both sides exchange ephemeral keys to map the nonce to a fresh generator.
 4. Both sides exchange ephemeral keys on the mapped generator and derive session keys.
 5. Both sides exchange authentication tokens proving they derived the same keys.

The result is an [sm.Channel] that protects every later command. A failed handshake is never
retried; callers decide whether to run it again, for example with a different password.
*/
package pace
