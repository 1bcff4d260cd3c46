// Package shm implements the shared transport segments exchanged with peer
// processes.
//
// A segment is a named file under a shared memory directory (normally
// /dev/shm, which is where shm_open places its objects) that is mapped into
// both the simulator and the peer process. Each node owns an inbound region
// (peer to simulator), an outbound region (simulator to peer) and a timer
// slot. A single time cell is shared by every node.
//
// Regions carry frames. Byte 0 is the frame kind, 0 for data and 1 for a
// timer request. A data frame stores the payload length in bytes 1..8 (host
// byte order) followed by the payload. A timer frame stores the timer type in
// byte 1 and the duration in nanoseconds in bytes 2..9. An all-zero region
// reads as an empty frame.
package shm
