// Package notify provides realtime.Notifier implementations for users that
// have no live connection when a message arrives.
//
// LogNotifier only logs and is the development default. NATSNotifier
// publishes one JSON message per recipient on "<prefix>.<userID>" for a push
// worker to pick up.
package notify
