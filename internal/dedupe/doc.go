// Package dedupe remembers inbound message IDs for a bounded window so a
// message redelivered by the backend (gateway resume, sync replay) is only
// dispatched to a waiting conversation once.
package dedupe
