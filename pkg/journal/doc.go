// Package journal keeps a bounded local history of cycle records in a
// bolt file, so an operator can ask what the control plane decided and
// did without a log aggregator.
package journal
