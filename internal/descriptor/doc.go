// Package descriptor encodes and decodes version 2 hidden service
// descriptors.
//
// A v2 descriptor advertises the introduction points of a hidden service for
// one time period and one replica. Its identifier is derived from the
// service's permanent key, the time period and the replica number:
//
//	permanent-id   = SHA1(DER(public key))[:10]
//	time-period    = (now + permanent-id[0]*86400/256) / 86400
//	secret-id-part = SHA1(time-period | [descriptor-cookie] | replica)
//	descriptor-id  = SHA1(permanent-id | secret-id-part)
//
// The onion address of a service is the lower-case base32 encoding of its
// permanent id.
//
// Codec is the only type the balancer talks to. Parse extracts the
// introduction points and publication time from a fetched instance
// descriptor, decrypting client-authorized introduction point blocks when a
// descriptor cookie is supplied. Build and Sign produce the combined
// descriptor published on behalf of the master service key.
package descriptor
