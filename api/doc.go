// Package api defines the value types exchanged between the commit
// coordinator and its participants: prepare requests and votes, decision
// messages, and the enums shared by the log and the state machines.
package api
