// Package action builds the command APDUs used to establish PACE and to access files on an
// identity document.
//
// Commands are returned as [apdu.Capdu] values and serialized with [Encode]. Secure Messaging, if
// any, is applied afterwards by the caller.
package action
